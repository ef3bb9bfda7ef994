package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command is a fully resolved worker invocation.
type Command struct {
	JobID string
	Path  string
	Args  []string
	Env   []string // added to the inherited environment
	Dir   string

	// Container launches only.
	Image  string
	Mounts []string // host directories bound read-only at the same path
}

// Process is a started worker. Stdout and Stderr are drained before Wait.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code. err is only set when
	// the exit status could not be determined.
	Wait() (int, error)
	Terminate() error
	Kill() error
}

// Launcher starts processes.
type Launcher interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecLauncher runs workers as host processes. Each worker leads its own
// process group, so signals reach the helpers it spawned (browser drivers and
// the like), and the group is killed once the worker exits.
type ExecLauncher struct {
	// OutputGrace bounds how long output is read after the worker exits,
	// for descendants that left its process group. Default 2s.
	OutputGrace time.Duration
}

// Start spawns the command. The process is not bound to ctx: a worker
// outlives the request that launched it.
func (l ExecLauncher) Start(_ context.Context, c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	setProcessGroup(cmd)

	// Plain pipes instead of StdoutPipe: Wait must not wait on, or close,
	// the read ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child has its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	grace := l.OutputGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	p := &execProcess{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}
	go p.reap(grace)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	exited    chan struct{}
	waitErr   error
	timer     *time.Timer
	closeOnce sync.Once
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

// reap waits for the worker, kills whatever it left in its group and starts
// the output grace period.
func (p *execProcess) reap(grace time.Duration) {
	p.waitErr = p.cmd.Wait()
	_ = signalGroup(p.cmd.Process, syscall.SIGKILL)
	p.timer = time.AfterFunc(grace, p.closeOutput)
	close(p.exited)
}

func (p *execProcess) closeOutput() {
	p.closeOnce.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}

func (p *execProcess) Wait() (int, error) {
	<-p.exited
	p.timer.Stop()
	p.closeOutput()

	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		return -1, p.waitErr
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Terminate() error {
	if p.done() {
		return nil
	}
	return signalGroup(p.cmd.Process, syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.done() {
		return nil
	}
	return signalGroup(p.cmd.Process, syscall.SIGKILL)
}

func (p *execProcess) done() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}
