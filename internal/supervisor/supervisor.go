// Package supervisor owns the process boundary: it launches one worker per
// job, streams its output line by line, and reports its exit exactly once.
//
// Output and exit callbacks for one job are delivered from a single goroutine,
// so they never run concurrently with each other, and the exit callback only
// fires after every line read from the worker has been delivered. Different
// jobs are watched by different goroutines.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"automation/internal/apperrors"
	"automation/internal/catalog"

	"golang.org/x/sync/errgroup"
)

// ExitTerminated is the exit code reported for workers stopped through Terminate.
const ExitTerminated = -1

// HeadlessFlag is passed to every worker so it never waits for user interaction.
const HeadlessFlag = "--headless"

// Environment variables carrying per-job data to the worker.
const (
	EnvJobID       = "AUTOMATION_JOB_ID"
	EnvServiceID   = "AUTOMATION_SERVICE_ID"
	EnvCredentials = "AUTOMATION_CREDENTIALS"
	EnvParameters  = "AUTOMATION_PARAMETERS"
)

// Stream identifies the worker output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of worker output without its terminator. Partial is set
// for a trailing fragment that ended without a newline.
type Line struct {
	Stream  Stream
	Text    string
	Partial bool
}

// Exit describes how a worker ended.
type Exit struct {
	Code       int
	Terminated bool  // stopped through Terminate; Code is ExitTerminated
	Err        error // wait failure, not a nonzero exit
}

// Callbacks receive a job's events. Both are required.
type Callbacks struct {
	OnOutput func(Line)
	OnExit   func(Exit)
}

// LaunchRequest describes one worker run.
type LaunchRequest struct {
	JobID       string
	ServiceID   string
	InputPaths  []string
	WorkDir     string // created if missing; the worker runs here
	Credentials map[string]string
	Parameters  map[string]any
}

// Services resolves service ids to runnable definitions.
type Services interface {
	Lookup(id string) (catalog.Service, bool)
}

// Config configures a Supervisor.
type Config struct {
	Services       Services        // required
	Runtimes       *RuntimeLocator // required, pre-resolved
	Host           Launcher        // defaults to ExecLauncher
	Container      Launcher        // optional, needed for services with an image
	TerminateGrace time.Duration   // wait before killing a terminated worker (default 10s)
}

// Supervisor launches and tracks workers.
type Supervisor struct {
	services  Services
	runtimes  *RuntimeLocator
	host      Launcher
	container Launcher
	grace     time.Duration

	mu   sync.Mutex
	live map[string]*handle
	wg   sync.WaitGroup
}

type handle struct {
	jobID      string
	proc       Process
	terminated atomic.Bool

	mu        sync.Mutex
	killTimer *time.Timer
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Services == nil {
		return nil, fmt.Errorf("services are required")
	}
	if cfg.Runtimes == nil {
		return nil, fmt.Errorf("runtime locator is required")
	}
	host := cfg.Host
	if host == nil {
		host = ExecLauncher{}
	}
	grace := cfg.TerminateGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Supervisor{
		services:  cfg.Services,
		runtimes:  cfg.Runtimes,
		host:      host,
		container: cfg.Container,
		grace:     grace,
		live:      make(map[string]*handle),
	}, nil
}

// Launch starts the worker for req and returns once it is running. Callbacks
// fire asynchronously afterwards. Credentials and parameters reach the worker
// through its environment and are never logged.
func (s *Supervisor) Launch(ctx context.Context, req LaunchRequest, cb Callbacks) error {
	if cb.OnOutput == nil || cb.OnExit == nil {
		return fmt.Errorf("both callbacks are required")
	}
	svc, ok := s.services.Lookup(req.ServiceID)
	if !ok {
		return apperrors.ServiceNotConfigured(req.ServiceID)
	}
	if len(req.InputPaths) == 0 {
		return apperrors.Validation("files", "at least one input file is required")
	}
	for _, p := range req.InputPaths {
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			return apperrors.InputNotFound(p)
		}
	}

	cmd, launcher, err := s.command(svc, req)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return apperrors.Internal("supervisor.workdir", err)
	}

	s.mu.Lock()
	if _, exists := s.live[req.JobID]; exists {
		s.mu.Unlock()
		return apperrors.Conflict("job", req.JobID, fmt.Sprintf("worker for job %s is already running", req.JobID))
	}
	// Reserve the slot so a concurrent launch with the same id fails.
	h := &handle{jobID: req.JobID}
	s.live[req.JobID] = h
	s.mu.Unlock()

	proc, err := launcher.Start(ctx, cmd)
	if err != nil {
		s.remove(req.JobID)
		return apperrors.Internal("supervisor.start", err)
	}
	s.mu.Lock()
	h.proc = proc
	s.mu.Unlock()

	slog.Info("Worker launched",
		"jobId", req.JobID,
		"serviceId", req.ServiceID,
		"program", cmd.Path,
		"container", cmd.Image != "",
		"inputs", len(req.InputPaths))

	s.wg.Add(1)
	go s.watch(h, cb)
	return nil
}

// command builds the launch command for a service. Errors here are launch
// failures: the request itself was valid.
func (s *Supervisor) command(svc catalog.Service, req LaunchRequest) (Command, Launcher, error) {
	env, err := workerEnv(req)
	if err != nil {
		return Command{}, nil, err
	}

	executable := svc.ExecutablePath()
	args := append([]string{}, req.InputPaths...)
	args = append(args, HeadlessFlag)

	cmd := Command{
		JobID: req.JobID,
		Env:   env,
		Dir:   req.WorkDir,
	}

	if svc.Image != "" {
		if s.container == nil {
			return Command{}, nil, apperrors.RuntimeNotFound("container",
				fmt.Sprintf("service %s runs in image %s; set DOCKER_ENABLED=true", svc.ID, svc.Image))
		}
		cmd.Image = svc.Image
		cmd.Mounts = mountsFor(executable, req.InputPaths)
		if svc.Runtime != "" {
			cmd.Path = svc.Runtime
			cmd.Args = append([]string{executable}, args...)
		} else {
			cmd.Path = executable
			cmd.Args = args
		}
		return cmd, s.container, nil
	}

	if _, err := os.Stat(executable); err != nil {
		return Command{}, nil, apperrors.Internal("supervisor.executable",
			fmt.Errorf("worker executable %s not found, check SCRIPTS_DIR: %w", executable, err))
	}

	if svc.Runtime == "" {
		cmd.Path = executable
		cmd.Args = args
		return cmd, s.host, nil
	}

	runtime, err := s.runtimes.Lookup(svc.Runtime)
	if err != nil {
		return Command{}, nil, err
	}
	cmd.Path = runtime
	cmd.Args = append([]string{executable}, args...)
	return cmd, s.host, nil
}

func workerEnv(req LaunchRequest) ([]string, error) {
	env := []string{
		EnvJobID + "=" + req.JobID,
		EnvServiceID + "=" + req.ServiceID,
		// Python block-buffers stdout when it is a pipe.
		"PYTHONUNBUFFERED=1",
	}
	if len(req.Credentials) > 0 {
		data, err := json.Marshal(req.Credentials)
		if err != nil {
			return nil, apperrors.Validation("credentials", "credentials must be a string map")
		}
		env = append(env, EnvCredentials+"="+string(data))
	}
	if len(req.Parameters) > 0 {
		data, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, apperrors.Validation("parameters", "parameters must be JSON encodable")
		}
		env = append(env, EnvParameters+"="+string(data))
	}
	return env, nil
}

func (s *Supervisor) watch(h *handle, cb Callbacks) {
	defer s.wg.Done()
	logger := slog.With("jobId", h.jobID)

	lines := make(chan Line, 64)
	var g errgroup.Group
	g.Go(func() error { return pump(h.proc.Stdout(), Stdout, lines) })
	g.Go(func() error { return pump(h.proc.Stderr(), Stderr, lines) })
	go func() {
		if err := g.Wait(); err != nil {
			logger.Debug("Output stream ended with error", "error", err)
		}
		close(lines)
	}()

	for line := range lines {
		cb.OnOutput(line)
	}

	code, err := h.proc.Wait()

	h.mu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.mu.Unlock()
	s.remove(h.jobID)

	exit := Exit{Code: code, Err: err}
	if h.terminated.Load() {
		exit.Code = ExitTerminated
		exit.Terminated = true
	}
	logger.Info("Worker exited", "exitCode", exit.Code, "terminated", exit.Terminated)
	cb.OnExit(exit)
}

// Terminate asks the job's worker to stop and kills it after the grace
// period. It is a no-op when no worker is live for jobID. The exit is reported
// through the job's OnExit callback with ExitTerminated.
func (s *Supervisor) Terminate(jobID string) error {
	s.mu.Lock()
	h := s.live[jobID]
	var proc Process
	if h != nil {
		proc = h.proc
	}
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	if !h.terminated.CompareAndSwap(false, true) {
		return nil
	}

	slog.Info("Terminating worker", "jobId", jobID, "grace", s.grace)
	if err := proc.Terminate(); err != nil {
		slog.Warn("Graceful termination failed, killing worker", "jobId", jobID, "error", err)
		if kerr := proc.Kill(); kerr != nil {
			return fmt.Errorf("kill worker %s: %w", jobID, kerr)
		}
		return nil
	}

	h.mu.Lock()
	h.killTimer = time.AfterFunc(s.grace, func() {
		slog.Warn("Worker ignored termination, killing", "jobId", jobID)
		_ = proc.Kill()
	})
	h.mu.Unlock()
	return nil
}

// Live returns the number of running workers.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close terminates all running workers and waits for their exit callbacks.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Terminate(id); err != nil {
			slog.Warn("Failed to terminate worker on shutdown", "jobId", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (s *Supervisor) remove(jobID string) {
	s.mu.Lock()
	delete(s.live, jobID)
	s.mu.Unlock()
}
