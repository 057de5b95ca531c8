package kernel

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cloudwu01/interactive/internal/logging"
)

// Argument template placeholders expanded by LaunchSpec.Argv.
const (
	placeholderDocumentPath = "{document_path}"
	placeholderWorkingDir   = "{working_dir}"
	placeholderRuntimePath  = "{runtime_path}"
)

// LaunchSpec describes how to start one kernel subprocess.
type LaunchSpec struct {
	// Path is the kernel executable (name resolved via PATH, or absolute).
	Path string

	// Args is the argument template; placeholders are expanded by Argv.
	Args []string

	// WorkingDir is the subprocess working directory. Empty means the
	// directory containing DocumentPath.
	WorkingDir string

	// DocumentPath is the notebook document this kernel serves.
	DocumentPath string

	// RuntimePath is the language runtime the kernel runs on, substituted
	// into the argument template where requested.
	RuntimePath string

	// Env is extra environment, appended to the parent environment.
	Env []string
}

// Argv expands the argument template.
func (s LaunchSpec) Argv() []string {
	replacer := strings.NewReplacer(
		placeholderDocumentPath, s.DocumentPath,
		placeholderWorkingDir, s.Dir(),
		placeholderRuntimePath, s.RuntimePath,
	)
	args := make([]string, 0, len(s.Args))
	for _, a := range s.Args {
		args = append(args, replacer.Replace(a))
	}
	return args
}

// Dir resolves the working directory for the subprocess.
func (s LaunchSpec) Dir() string {
	if s.WorkingDir != "" {
		return s.WorkingDir
	}
	if s.DocumentPath != "" {
		return filepath.Dir(s.DocumentPath)
	}
	return "."
}

// LaunchProcess starts the kernel subprocess described by spec, with pipes
// on all three standard streams and a reaper goroutine recording the exit
// outcome. Failure to resolve or spawn the executable is a *LaunchError;
// one live OS process per successful call.
func LaunchProcess(ctx context.Context, spec LaunchSpec) (*Process, error) {
	if spec.Path == "" {
		return nil, &LaunchError{Path: spec.Path, Err: exec.ErrNotFound}
	}

	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	cmd := exec.Command(path, spec.Argv()...)
	cmd.Dir = spec.Dir()
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setupProcessGroup(cmd)

	// Pipes are created by hand instead of via StdinPipe/StdoutPipe:
	// cmd.Wait tears those down as soon as the process exits, which would
	// discard kernel output still buffered for the reader loops. Manually
	// created pipes stay open until the reader hits EOF.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := &Process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		waitCh: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	// The child holds its own duplicates; dropping the parent's copies of
	// the child-side ends lets the reader loops see EOF once it exits.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	go p.wait()

	logging.Launcher("launched kernel %s pid=%d dir=%s doc=%s", path, p.Pid(), cmd.Dir, spec.DocumentPath)
	return p, nil
}
