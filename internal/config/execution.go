package config

import (
	"log/slog"
	"os"
	"slices"
)

// Container runtimes.
const (
	RuntimeDocker      = "docker"
	RuntimeSingularity = "singularity"
)

// CVMFS mount strategies.
const (
	CVMFSExternal  = "external"
	CVMFSVolDriver = "voldriver"
)

const (
	envDisableLogging   = "PACKTIVITY_DISABLE_LOGGING"
	envStreamLogLevel   = "PACKTIVITY_STREAM_LOGLEVEL"
	envLoggingHandler   = "PACKTIVITY_LOGGING_HANDLER"
	envDryRun           = "PACKTIVITY_DRYRUN"
	envContainerRuntime = "PACKTIVITY_CONTAINER_RUNTIME"
	envNoPull           = "PACKTIVITY_DOCKER_NOPULL"
	envDockerCmdMod     = "PACKTIVITY_DOCKER_CMD_MOD"
	envCVMFSSource      = "PACKTIVITY_CVMFS_SOURCE"
	envCVMFSLocation    = "PACKTIVITY_CVMFS_LOCATION"
	envCVMFSRepos       = "PACKTIVITY_CVMFS_REPOS"
	envAuthLocation     = "PACKTIVITY_AUTH_LOCATION"
	envWorkdirLocation  = "PACKTIVITY_WORKDIR_LOCATION"
)

// Logging controls the per-step topic loggers.
type Logging struct {
	Disabled    bool
	StreamLevel slog.Level
	// Hook names a registered handler hook replacing the default handlers.
	Hook string
}

// Execution configures how jobs are run. It is a value; callers copy it.
type Execution struct {
	Logging          Logging
	DryRun           bool
	ContainerRuntime string
	NoPull           bool
	// DockerCmdMod is appended verbatim to container run flags.
	DockerCmdMod  string
	CVMFSSource   string
	CVMFSLocation string
	CVMFSRepos    []string
	AuthLocation  string
	// WorkdirLocation is "old:new"; mount sources starting with old are
	// rewritten to start with new.
	WorkdirLocation string
}

// DefaultExecution returns the built-in execution settings.
func DefaultExecution() Execution {
	return Execution{
		Logging:          Logging{StreamLevel: slog.LevelInfo},
		ContainerRuntime: RuntimeDocker,
		CVMFSSource:      CVMFSExternal,
		CVMFSLocation:    "/cvmfs",
		CVMFSRepos:       []string{"atlas.cern.ch", "atlas-condb.cern.ch", "sft.cern.ch"},
		AuthLocation:     "/home/recast/recast_auth",
	}
}

// LoadExecution overlays environment variables on base.
func LoadExecution(base Execution) Execution {
	cfg := base
	cfg.CVMFSRepos = slices.Clone(base.CVMFSRepos)

	if v := os.Getenv(envDisableLogging); v != "" {
		cfg.Logging.Disabled = parseBool(v)
	}
	if v := os.Getenv(envStreamLogLevel); v != "" {
		cfg.Logging.StreamLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLoggingHandler); v != "" {
		cfg.Logging.Hook = v
	}
	if v := os.Getenv(envDryRun); v != "" {
		cfg.DryRun = parseBool(v)
	}
	if v := os.Getenv(envContainerRuntime); v != "" {
		cfg.ContainerRuntime = v
	}
	if v := os.Getenv(envNoPull); v != "" {
		cfg.NoPull = parseBool(v)
	}
	if v := os.Getenv(envDockerCmdMod); v != "" {
		cfg.DockerCmdMod = v
	}
	if v := os.Getenv(envCVMFSSource); v != "" {
		cfg.CVMFSSource = v
	}
	if v := os.Getenv(envCVMFSLocation); v != "" {
		cfg.CVMFSLocation = v
	}
	if v := os.Getenv(envCVMFSRepos); v != "" {
		cfg.CVMFSRepos = splitList(v)
	}
	if v := os.Getenv(envAuthLocation); v != "" {
		cfg.AuthLocation = v
	}
	if v := os.Getenv(envWorkdirLocation); v != "" {
		cfg.WorkdirLocation = v
	}
	return cfg
}
