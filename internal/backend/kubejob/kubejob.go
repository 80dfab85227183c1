// Package kubejob submits external activity jobs as Kubernetes batch Jobs.
//
// Every job gets the state directories mounted from one shared claim,
// optional CVMFS repository claims and an auth secret, and a ConfigMap
// holding its parameter mounts. The Job, its pods and the ConfigMap are
// deleted after the first observed success; failed jobs are left in place
// for inspection.
package kubejob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/backend/external"
	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/platform/k8s"
)

const (
	kindJob       = "Job"
	kindConfigMap = "ConfigMap"

	jobPrefix      = "wflow-job-"
	parMountPrefix = "parmount-"

	stateVolume = "state"
	authVolume  = "hepauth"
	authMount   = "/recast_auth"
	authScript  = "getkrb.sh"
	// authMode is 0755.
	authMode int32 = 493
)

// Resource names one object created for a job.
type Resource struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// JobProxy is the job proxy handed back to the external backend.
type JobProxy struct {
	JobID     string     `json:"job_id"`
	Resources []Resource `json:"resources"`
}

// API is the part of the Kubernetes client the submitter uses.
type API interface {
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	GetJob(ctx context.Context, namespace, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, namespace, name string) error
	CreateConfigMap(ctx context.Context, namespace string, cm k8s.ConfigMap) error
	DeleteConfigMap(ctx context.Context, namespace, name string) error
	DeletePods(ctx context.Context, namespace, labelSelector string) error
}

var _ API = (*k8s.Client)(nil)

// Submitter implements external.Submitter on Kubernetes.
type Submitter struct {
	api    API
	cfg    config.Kubernetes
	exec   config.Execution
	labels map[string]string
	logger *slog.Logger
}

var _ external.Submitter = (*Submitter)(nil)

// New creates a submitter. exec supplies the CVMFS repositories and mount
// location.
func New(api API, cfg config.Kubernetes, exec config.Execution, logger *slog.Logger) *Submitter {
	base := cfg.Base
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	cfg.Base = base
	return &Submitter{
		api:    api,
		cfg:    cfg,
		exec:   exec,
		labels: map[string]string{"component": "yadage"},
		logger: logger,
	}
}

// NewClient connects to cfg.APIURL, or to the in-cluster API server when
// it is empty.
func NewClient(cfg config.Kubernetes) (*k8s.Client, error) {
	if cfg.APIURL == "" {
		return k8s.NewInClusterClient()
	}
	return k8s.NewClient(cfg.APIURL, "", cfg.Namespace, nil), nil
}

// Submit creates the parameter ConfigMap, if any, and then the Job.
func (s *Submitter) Submit(ctx context.Context, job external.Job) (json.RawMessage, error) {
	id := uuid.NewString()
	name := jobPrefix + id
	proxy := JobProxy{JobID: name}

	mounts, volumes := s.stateMounts(job)
	if job.Environment.HasResource(model.ResourceCVMFS) {
		m, v := s.cvmfsMounts()
		mounts, volumes = append(mounts, m...), append(volumes, v...)
	}
	if job.Environment.HasResource(model.ResourceGRIDProxy) {
		m, v := s.authMounts()
		mounts, volumes = append(mounts, m...), append(volumes, v...)
	}
	if len(job.Environment.ParMounts) > 0 {
		cm, m, v := s.parMounts(id, job.Environment.ParMounts)
		if err := s.api.CreateConfigMap(ctx, s.cfg.Namespace, cm); err != nil {
			return nil, fmt.Errorf("create configmap %s: %w", cm.Metadata.Name, err)
		}
		proxy.Resources = append(proxy.Resources, Resource{Kind: kindConfigMap, Name: cm.Metadata.Name})
		mounts, volumes = append(mounts, m...), append(volumes, v...)
	}

	spec := s.jobSpec(name, job, mounts, volumes)
	if err := s.api.CreateJob(ctx, s.cfg.Namespace, spec); err != nil {
		return nil, fmt.Errorf("create job %s: %w", name, err)
	}
	proxy.Resources = append(proxy.Resources, Resource{Kind: kindJob, Name: name})
	s.logger.Info("created kubernetes job", "job", name, "step", job.Name)
	return json.Marshal(proxy)
}

func (s *Submitter) jobSpec(name string, job external.Job, mounts []k8s.VolumeMount, volumes []k8s.Volume) k8s.Job {
	var env []k8s.EnvVar
	for k, v := range job.Environment.Env {
		env = append(env, k8s.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	backoff := int32(0)
	return k8s.Job{
		Metadata: k8s.ObjectMeta{Name: name, Labels: s.labels},
		Spec: k8s.JobSpec{
			BackoffLimit: &backoff,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Name: name, Labels: s.labels},
				Spec: k8s.PodSpec{
					RestartPolicy: "Never",
					Containers: []k8s.Container{{
						Name:    "payload",
						Image:   job.Environment.ImageRef(),
						Command: []string{"sh", "-c", job.Command},
						Env:     env,
						Resources: k8s.ResourceRequirements{
							Requests: map[string]string{"memory": s.cfg.Memory, "cpu": s.cfg.CPU},
						},
						VolumeMounts: mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}
}

// stateMounts mounts every state directory from the shared claim, at its
// own path, with the configured base stripped to form the subPath.
func (s *Submitter) stateMounts(job external.Job) ([]k8s.VolumeMount, []k8s.Volume) {
	var mounts []k8s.VolumeMount
	dirs := append(job.State.ReadOnly(), job.State.ReadWrite()...)
	for _, dir := range dirs {
		mounts = append(mounts, k8s.VolumeMount{
			Name:      stateVolume,
			MountPath: dir,
			SubPath:   strings.TrimPrefix(dir, s.cfg.Base),
		})
	}
	volumes := []k8s.Volume{{
		Name:                  stateVolume,
		PersistentVolumeClaim: &k8s.PersistentVolumeClaimSource{ClaimName: s.cfg.Claim},
	}}
	return mounts, volumes
}

func (s *Submitter) cvmfsMounts() ([]k8s.VolumeMount, []k8s.Volume) {
	var mounts []k8s.VolumeMount
	var volumes []k8s.Volume
	for _, repo := range s.exec.CVMFSRepos {
		name := strings.NewReplacer(".", "", "-", "").Replace(repo)
		volumes = append(volumes, k8s.Volume{
			Name: name,
			PersistentVolumeClaim: &k8s.PersistentVolumeClaimSource{
				ClaimName: s.cfg.CVMFSClaimPrefix + name,
				ReadOnly:  true,
			},
		})
		mounts = append(mounts, k8s.VolumeMount{
			Name:      name,
			MountPath: path.Join(s.exec.CVMFSLocation, repo),
			ReadOnly:  true,
		})
	}
	return mounts, volumes
}

func (s *Submitter) authMounts() ([]k8s.VolumeMount, []k8s.Volume) {
	mode := authMode
	return []k8s.VolumeMount{{Name: authVolume, MountPath: authMount}},
		[]k8s.Volume{{
			Name: authVolume,
			Secret: &k8s.SecretSource{
				SecretName: s.cfg.AuthSecret,
				Items:      []k8s.KeyToPath{{Key: authScript, Path: authScript, Mode: &mode}},
			},
		}}
}

// parMounts puts every parameter mount in one ConfigMap and mounts one
// volume per target directory.
func (s *Submitter) parMounts(id string, pms []model.ParMount) (k8s.ConfigMap, []k8s.VolumeMount, []k8s.Volume) {
	cm := k8s.ConfigMap{
		Metadata: k8s.ObjectMeta{Name: parMountPrefix + id, Labels: s.labels},
		Data:     map[string]string{},
	}
	var dirs []string
	byDir := map[string]*k8s.Volume{}
	for i, pm := range pms {
		key := fmt.Sprintf("parmount_%d", i)
		cm.Data[key] = pm.MountContent

		dir, base := path.Split(pm.MountPath)
		dir = path.Clean(dir)
		vol, ok := byDir[dir]
		if !ok {
			vol = &k8s.Volume{
				Name:      "vol-" + strings.ReplaceAll(dir, "/", "-"),
				ConfigMap: &k8s.ConfigMapSource{Name: cm.Metadata.Name},
			}
			byDir[dir] = vol
			dirs = append(dirs, dir)
		}
		vol.ConfigMap.Items = append(vol.ConfigMap.Items, k8s.KeyToPath{Key: key, Path: base})
	}

	var mounts []k8s.VolumeMount
	var volumes []k8s.Volume
	for _, dir := range dirs {
		volumes = append(volumes, *byDir[dir])
		mounts = append(mounts, k8s.VolumeMount{Name: byDir[dir].Name, MountPath: dir})
	}
	return cm, mounts, volumes
}

func decodeProxy(raw json.RawMessage) (JobProxy, error) {
	var p JobProxy
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode job proxy: %w", err)
	}
	if p.JobID == "" {
		return p, errors.New("decode job proxy: missing job_id")
	}
	return p, nil
}

// Status reads the Job's succeeded and failed pod counts.
func (s *Submitter) Status(ctx context.Context, raw json.RawMessage) (backend.Phase, error) {
	p, err := decodeProxy(raw)
	if err != nil {
		return "", err
	}
	job, err := s.api.GetJob(ctx, s.cfg.Namespace, p.JobID)
	if errors.Is(err, k8s.ErrNotFound) {
		return "", fmt.Errorf("%w: job %s", external.ErrJobGone, p.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("get job %s: %w", p.JobID, err)
	}
	switch {
	case job.Status.Succeeded > 0:
		return backend.PhaseSucceeded, nil
	case job.Status.Failed > 0:
		return backend.PhaseFailed, nil
	default:
		return backend.PhasePending, nil
	}
}

// Cleanup deletes the Job, its pods and the ConfigMap. Objects that are
// already gone are skipped.
func (s *Submitter) Cleanup(ctx context.Context, raw json.RawMessage) error {
	p, err := decodeProxy(raw)
	if err != nil {
		return err
	}
	var errs []error
	ignoreGone := func(err error) {
		if err != nil && !errors.Is(err, k8s.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	for _, r := range p.Resources {
		switch r.Kind {
		case kindJob:
			ignoreGone(s.api.DeleteJob(ctx, s.cfg.Namespace, r.Name))
			ignoreGone(s.api.DeletePods(ctx, s.cfg.Namespace, "job-name="+r.Name))
		case kindConfigMap:
			ignoreGone(s.api.DeleteConfigMap(ctx, s.cfg.Namespace, r.Name))
		}
		s.logger.Debug("deleted kubernetes resource", "kind", r.Kind, "name", r.Name)
	}
	return errors.Join(errs...)
}
