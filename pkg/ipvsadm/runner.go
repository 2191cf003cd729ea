package ipvsadm

import (
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"
)

// Runner executes the external administrative tool. The production
// implementation spawns the real binary; tests substitute a recorder.
type Runner interface {
	// RunSync executes the tool and waits for it; a non-zero exit is
	// returned as an error.
	RunSync(args []string) error
	// Start spawns the tool without waiting. The exit status and any output
	// are observed asynchronously and logged; they are never returned.
	Start(args []string) error
}

// execRunner runs the configured ipvsadm binary as a subprocess.
type execRunner struct {
	path   string
	logger *zap.Logger
}

// NewRunner creates a Runner for the tool at the given path.
func NewRunner(path string, logger *zap.Logger) Runner {
	return &execRunner{path: path, logger: logger}
}

func (r *execRunner) RunSync(args []string) error {
	output, err := exec.Command(r.path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (output: %q)", r.path, args, err, output)
	}
	if len(output) > 0 {
		r.logger.Warn("output from ipvsadm",
			zap.Strings("args", args),
			zap.ByteString("output", output),
		)
	}
	return nil
}

func (r *execRunner) Start(args []string) error {
	cmd := exec.Command(r.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout for %s: %w", r.path, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe stderr for %s: %w", r.path, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s %v: %w", r.path, args, err)
	}

	// The subprocess may outlive the issuing task; its exit is only logged.
	go func() {
		out := drain(stdout)
		errOut := drain(stderr)
		waitErr := cmd.Wait()

		if len(errOut) > 0 {
			r.logger.Error("error from ipvsadm",
				zap.Strings("args", args),
				zap.ByteString("stderr", errOut),
			)
		}
		if len(out) > 0 {
			r.logger.Warn("output from ipvsadm",
				zap.Strings("args", args),
				zap.ByteString("stdout", out),
			)
		}
		if waitErr != nil {
			r.logger.Error("ipvsadm exited with failure",
				zap.Strings("args", args),
				zap.Error(waitErr),
			)
		}
	}()
	return nil
}

func drain(r io.Reader) []byte {
	data, _ := io.ReadAll(r)
	return data
}
