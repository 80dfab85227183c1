package config

import "os"

const (
	envK8sAPI         = "PACKTIVITY_K8S_API"
	envK8sNamespace   = "PACKTIVITY_K8S_NAMESPACE"
	envK8sClaim       = "PACKTIVITY_K8S_CLAIM"
	envK8sBase        = "PACKTIVITY_K8S_BASE"
	envK8sAuthSecret  = "PACKTIVITY_K8S_AUTH_SECRET"
	envK8sCVMFSPrefix = "PACKTIVITY_K8S_CVMFS_CLAIM_PREFIX"
	envK8sMemory      = "PACKTIVITY_K8S_MEMORY"
	envK8sCPU         = "PACKTIVITY_K8S_CPU"
)

// Kubernetes configures the cluster job backend.
type Kubernetes struct {
	// APIURL is the API server base URL. Empty means the in-cluster
	// service account.
	APIURL    string
	Namespace string
	// Claim is the persistent volume claim holding every state directory.
	Claim string
	// Base is stripped from state directories to form the claim subPath.
	Base             string
	AuthSecret string
	// CVMFSClaimPrefix is prepended to the per-repository claim names.
	CVMFSClaimPrefix string
	Memory           string
	CPU              string
}

// DefaultKubernetes returns the cluster settings used when nothing is configured.
func DefaultKubernetes() Kubernetes {
	return Kubernetes{
		Namespace:        "default",
		Claim:            "yadagedata",
		AuthSecret:       "hepauth",
		Memory:           "2Gi",
		CPU:              "1",
	}
}

// LoadKubernetes overlays environment variables on base.
func LoadKubernetes(base Kubernetes) Kubernetes {
	for env, dst := range map[string]*string{
		envK8sAPI:         &base.APIURL,
		envK8sNamespace:   &base.Namespace,
		envK8sClaim:       &base.Claim,
		envK8sBase:        &base.Base,
		envK8sAuthSecret:  &base.AuthSecret,
		envK8sCVMFSPrefix: &base.CVMFSClaimPrefix,
		envK8sMemory:      &base.Memory,
		envK8sCPU:         &base.CPU,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	return base
}
