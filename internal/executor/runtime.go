package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/seantiz/packtivity/internal/config"
)

// RunArgs renders spec as a command line for the configured runtime.
func RunArgs(spec Spec, cfg config.Execution) (CommandLine, error) {
	switch cfg.ContainerRuntime {
	case config.RuntimeDocker, "":
		return DockerRunArgs(spec, cfg.DockerCmdMod), nil
	case config.RuntimeSingularity:
		return SingularityExecArgs(spec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRuntime, cfg.ContainerRuntime)
	}
}

// PullArgs returns the image pull command, or nil when the runtime pulls on
// demand.
func PullArgs(image string, cfg config.Execution) CommandLine {
	if cfg.ContainerRuntime == config.RuntimeSingularity {
		return nil
	}
	return CommandLine{"docker", "pull", image}
}

// DockerRunArgs renders a `docker run` command line. cmdMod is split on
// whitespace and inserted before the image.
func DockerRunArgs(spec Spec, cmdMod string) CommandLine {
	args := CommandLine{"docker", "run", "--rm"}
	if spec.Stdin != "" || spec.TTY {
		args = append(args, "-i")
	}
	if spec.TTY {
		args = append(args, "-t")
	}
	if spec.CIDFile != "" {
		args = append(args, "--cidfile", spec.CIDFile)
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}

	driver := ""
	for _, m := range spec.Mounts {
		if m.Type == MountVolume && m.Driver != "" {
			driver = m.Driver
		}
	}
	if driver != "" {
		// Plugin volumes are not SELinux labelled.
		args = append(args, "--security-opt", "label:disable", "--volume-driver", driver)
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Source+":"+m.Destination+":"+mode(m))
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, strings.Fields(cmdMod)...)
	args = append(args, spec.Image)
	return append(args, spec.Argv...)
}

// SingularityExecArgs renders a `singularity exec` command line. Volume
// plugin mounts cannot be expressed and are rejected.
func SingularityExecArgs(spec Spec) (CommandLine, error) {
	args := CommandLine{"singularity", "exec", "-C"}
	if spec.Workdir != "" {
		args = append(args, "--pwd", spec.Workdir)
	}
	for _, m := range spec.Mounts {
		if m.Type != MountBind {
			return nil, fmt.Errorf("singularity: %s mount %s is not supported", m.Type, m.Destination)
		}
		args = append(args, "-B", m.Source+":"+m.Destination+":"+mode(m))
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + spec.Env[k]
		}
		args = append(args, "--env", strings.Join(pairs, ","))
	}
	args = append(args, "docker://"+spec.Image)
	return append(args, spec.Argv...), nil
}

func mode(m Mount) string {
	if m.ReadOnly {
		return "ro"
	}
	return "rw"
}
