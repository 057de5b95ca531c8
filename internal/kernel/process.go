package kernel

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cloudwu01/interactive/internal/logging"
)

// Process is a handle to one running kernel subprocess: its standard streams
// plus an awaitable exit outcome.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu     sync.Mutex
	waitCh chan struct{}
	exit   ExitStatus
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stdin is the subprocess's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the subprocess's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Stderr is the subprocess's standard error.
func (p *Process) Stderr() io.ReadCloser { return p.stderr }

// Done is closed once the subprocess has exited and its status is recorded.
func (p *Process) Done() <-chan struct{} { return p.waitCh }

// Exit returns the exit outcome. Only meaningful after Done is closed.
func (p *Process) Exit() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// wait runs on its own goroutine, reaping the subprocess.
func (p *Process) wait() {
	err := p.cmd.Wait()

	status := ExitStatus{}
	if ps := p.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		// ExitCode is -1 when the process was terminated by a signal.
		status.Signaled = status.Code == -1
	} else if err != nil {
		status.Code = -1
		status.Signaled = true
	}

	p.mu.Lock()
	p.exit = status
	p.mu.Unlock()
	close(p.waitCh)

	logging.LauncherDebug("kernel pid %d exited: code=%d signaled=%v", p.Pid(), status.Code, status.Signaled)
}

// Stop terminates the subprocess: termination signal first, forced kill once
// the grace period elapses. It returns after the process has been reaped.
func (p *Process) Stop(grace time.Duration) {
	select {
	case <-p.waitCh:
		return // already gone
	default:
	}

	// Closing stdin first gives well-behaved kernels an EOF to act on.
	_ = p.stdin.Close()

	if err := terminateProcess(p.cmd); err != nil {
		logging.Get(logging.CategoryLauncher).Warn("terminate kernel pid %d: %v", p.Pid(), err)
	}

	select {
	case <-p.waitCh:
		return
	case <-time.After(grace):
	}

	logging.Launcher("kernel pid %d unresponsive after %v, killing", p.Pid(), grace)
	if err := killProcessGroup(p.cmd); err != nil {
		logging.Get(logging.CategoryLauncher).Warn("kill kernel pid %d: %v", p.Pid(), err)
	}
	<-p.waitCh
}

// Kill forcibly terminates the subprocess without a grace period.
func (p *Process) Kill() {
	select {
	case <-p.waitCh:
		return
	default:
	}
	if err := killProcessGroup(p.cmd); err != nil {
		logging.Get(logging.CategoryLauncher).Warn("kill kernel pid %d: %v", p.Pid(), err)
	}
	<-p.waitCh
}
