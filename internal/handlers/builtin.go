package handlers

import "errors"

// Builtin registers the default implementation of every built-in handler.
type Builtin struct{}

func (Builtin) Name() string { return "builtin" }

func (Builtin) Register(r *Registry) error {
	var errs []error
	reg := func(err error) { errs = append(errs, err) }

	reg(r.Process.Register(ProcessStringInterpolated, "", stringInterpolatedCmd))
	reg(r.Process.Register(ProcessInterpolatedScript, "", interpolatedScriptCmd))
	reg(r.Process.Register(ProcessManual, "", manualInstructionsProc))
	reg(r.Process.Register(ProcessTest, "", testProcess))

	reg(r.Environment.Register(EnvDocker, "", dockerEnvironment))
	for _, t := range []string{EnvLocalProc, EnvNoop, EnvManual, EnvTest} {
		reg(r.Environment.Register(t, "", plainEnvironment))
	}

	reg(r.Executor.Register(EnvDocker, "", dockerExecution))
	reg(r.Executor.Register(EnvLocalProc, "", localProcExecution))
	reg(r.Executor.Register(EnvNoop, "", noopExecution))
	reg(r.Executor.Register(EnvManual, "", manualExecution))
	reg(r.Executor.Register(EnvTest, "", testExecution))

	reg(r.Publisher.Register(PubFromPar, "", fromPar))
	reg(r.Publisher.Register(PubInterpolated, "", interpolated))
	reg(r.Publisher.Register(PubFromYAML, "", fromYAML))
	reg(r.Publisher.Register(PubFromGlob, "", fromGlob))
	reg(r.Publisher.Register(PubFromParJQ, "", fromParJQ))
	reg(r.Publisher.Register(PubConstant, "", constant))
	reg(r.Publisher.Register(PubManual, "", manualPublish))

	return errors.Join(errs...)
}
