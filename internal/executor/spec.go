package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/state"
)

// Mount types.
const (
	MountBind   = "bind"
	MountVolume = "volume"
)

const (
	cvmfsMountPoint = "/cvmfs"
	cvmfsDriver     = "cvmfs"
	authMountPoint  = "/recast_auth"
	parMountPrefix  = "_packtivity_parmount_"
)

// Mount is one bind or volume mount of a container.
type Mount struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"readonly"`
	Driver      string `json:"driver,omitempty"`
}

// Spec is a runtime-neutral description of one containerized run.
type Spec struct {
	Image   string            `json:"image"`
	Workdir string            `json:"workdir,omitempty"`
	Argv    []string          `json:"argv"`
	Stdin   string            `json:"stdin,omitempty"`
	TTY     bool              `json:"tty"`
	Mounts  []Mount           `json:"mounts"`
	Env     map[string]string `json:"env,omitempty"`
	CIDFile string            `json:"cidfile,omitempty"`
}

// JobArgv returns the argv and standard input of a job. Script jobs start
// the interpreter through sh and receive the script on stdin.
func JobArgv(job model.Job, env model.Environment) ([]string, string) {
	prefix := ""
	if env.EnvScript != "" {
		prefix = "source " + env.EnvScript + " && "
	}
	if job.IsScript() {
		return []string{"sh", "-c", prefix + job.Interpreter}, job.Script
	}
	return []string{"sh", "-c", prefix + job.Command}, ""
}

// StateMounts mounts every write dir read-write and every readonly dir
// read-only, each at its own absolute path.
func StateMounts(st *state.LocalFS) []Mount {
	var mounts []Mount
	for _, d := range st.ReadWrite() {
		mounts = append(mounts, Mount{Type: MountBind, Source: d, Destination: d})
	}
	for _, d := range st.ReadOnly() {
		mounts = append(mounts, Mount{Type: MountBind, Source: d, Destination: d, ReadOnly: true})
	}
	return mounts
}

// ResourceMounts resolves the resource tags of env into mounts.
func ResourceMounts(env model.Environment, cfg config.Execution) ([]Mount, error) {
	var mounts []Mount
	if env.HasResource(model.ResourceCVMFS) {
		switch cfg.CVMFSSource {
		case config.CVMFSExternal, "":
			mounts = append(mounts, Mount{Type: MountBind, Source: cfg.CVMFSLocation, Destination: cvmfsMountPoint, ReadOnly: true})
		case config.CVMFSVolDriver:
			for _, repo := range cfg.CVMFSRepos {
				mounts = append(mounts, Mount{
					Type:        MountVolume,
					Source:      repo,
					Destination: cvmfsMountPoint + "/" + repo,
					ReadOnly:    true,
					Driver:      cvmfsDriver,
				})
			}
		default:
			return nil, fmt.Errorf("unknown CVMFS source %q", cfg.CVMFSSource)
		}
	}
	if env.HasResource(model.ResourceGRIDProxy) || env.HasResource(model.ResourceKRB5Auth) {
		mounts = append(mounts, Mount{Type: MountBind, Source: cfg.AuthLocation, Destination: authMountPoint})
	}
	return mounts, nil
}

// ParMountFile returns where the i-th parameter mount is materialized.
func ParMountFile(st *state.LocalFS, i int) string {
	return filepath.Join(st.Workdir(), fmt.Sprintf("%s%d.txt", parMountPrefix, i))
}

// MaterializeParMounts writes each parameter mount's content to a private
// file in the workdir and returns bind mounts onto the declared paths.
func MaterializeParMounts(env model.Environment, st *state.LocalFS) ([]Mount, error) {
	var mounts []Mount
	for i, pm := range env.ParMounts {
		path := ParMountFile(st, i)
		if err := os.WriteFile(path, []byte(pm.MountContent), 0o644); err != nil {
			return nil, fmt.Errorf("write parameter mount %d: %w", i, err)
		}
		mounts = append(mounts, Mount{Type: MountBind, Source: path, Destination: pm.MountPath, ReadOnly: true})
	}
	return mounts, nil
}

// CIDFile returns the container id file of invocation name.
func CIDFile(st *state.LocalFS, name string) string {
	return filepath.Join(st.MetaDir(), name+".cid")
}

// BuildSpec assembles the container run of job in env against st.
func BuildSpec(env model.Environment, job model.Job, st *state.LocalFS, meta model.Metadata, cfg config.Execution) (Spec, error) {
	argv, stdin := JobArgv(job, env)

	mounts := StateMounts(st)
	res, err := ResourceMounts(env, cfg)
	if err != nil {
		return Spec{}, err
	}
	mounts = append(mounts, res...)
	pm, err := MaterializeParMounts(env, st)
	if err != nil {
		return Spec{}, err
	}
	mounts = append(mounts, pm...)

	if old, repl, ok := strings.Cut(cfg.WorkdirLocation, ":"); ok && old != "" {
		for i, m := range mounts {
			if m.Type == MountBind && strings.HasPrefix(m.Source, old) {
				mounts[i].Source = repl + strings.TrimPrefix(m.Source, old)
			}
		}
	}

	return Spec{
		Image:   env.ImageRef(),
		Workdir: env.Workdir,
		Argv:    argv,
		Stdin:   stdin,
		TTY:     job.TTY,
		Mounts:  mounts,
		Env:     env.Env,
		CIDFile: CIDFile(st, meta.Name),
	}, nil
}
