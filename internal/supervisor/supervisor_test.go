package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"automation/internal/apperrors"
	"automation/internal/catalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	exit             chan int
	terminated       chan struct{}
	once             sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exit: make(chan int, 1), terminated: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }
func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

// finish closes both streams and exits with code.
func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exit <- code
	})
}

func (p *fakeProcess) Terminate() error {
	close(p.terminated)
	p.finish(143)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.finish(137)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	commands []Command
	procs    []*fakeProcess
}

func (l *fakeLauncher) Start(_ context.Context, c Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess()
	l.commands = append(l.commands, c)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() (Command, *fakeProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commands[len(l.commands)-1], l.procs[len(l.procs)-1]
}

type recorder struct {
	mu    sync.Mutex
	lines []Line
	exits []Exit
	done  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOutput: func(l Line) {
			r.mu.Lock()
			r.lines = append(r.lines, l)
			r.mu.Unlock()
		},
		OnExit: func(e Exit) {
			r.mu.Lock()
			r.exits = append(r.exits, e)
			r.mu.Unlock()
			close(r.done)
		},
	}
}

func (r *recorder) wait(t *testing.T) Exit {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.exits, 1)
	return r.exits[0]
}

type fixture struct {
	sup      *Supervisor
	launcher *fakeLauncher
	dir      string
	input    string
}

func newFixture(t *testing.T, services ...catalog.Service) *fixture {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "worker.py"), []byte("print('hi')\n"), 0o644))

	input := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(input, []byte("booking\nBK1\n"), 0o644))

	if len(services) == 0 {
		services = []catalog.Service{{ID: "svc", Executable: "worker.py", Runtime: "python"}}
	}
	cat, err := catalog.New(services, scripts)
	require.NoError(t, err)

	launcher := &fakeLauncher{}
	sup, err := New(Config{
		Services:       cat,
		Runtimes:       StaticRuntimes(map[string]string{"python": "/usr/bin/python3"}),
		Host:           launcher,
		TerminateGrace: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return &fixture{sup: sup, launcher: launcher, dir: dir, input: input}
}

func (f *fixture) request(jobID string) LaunchRequest {
	return LaunchRequest{
		JobID:       jobID,
		ServiceID:   "svc",
		InputPaths:  []string{f.input},
		WorkDir:     filepath.Join(f.dir, "jobs", jobID),
		Credentials: map[string]string{"username": "u", "password": "secret"},
		Parameters:  map[string]any{"region": "bd"},
	}
}

func TestLaunchBuildsCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()

	require.NoError(t, f.sup.Launch(t.Context(), f.request("job-1"), rec.callbacks()))

	cmd, proc := f.launcher.last()
	assert.Equal(t, "/usr/bin/python3", cmd.Path)
	assert.Equal(t, []string{filepath.Join(f.dir, "scripts", "worker.py"), f.input, HeadlessFlag}, cmd.Args)
	assert.Equal(t, filepath.Join(f.dir, "jobs", "job-1"), cmd.Dir)
	assert.Contains(t, cmd.Env, EnvJobID+"=job-1")
	assert.Contains(t, cmd.Env, EnvCredentials+`={"password":"secret","username":"u"}`)
	assert.Contains(t, cmd.Env, EnvParameters+`={"region":"bd"}`)
	assert.DirExists(t, cmd.Dir)
	assert.Equal(t, 1, f.sup.Live())

	proc.finish(0)
	exit := rec.wait(t)
	assert.Equal(t, 0, exit.Code)
	assert.False(t, exit.Terminated)
	assert.Equal(t, 0, f.sup.Live())
}

func TestOutputIsLineBufferedAndPrecedesExit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	require.NoError(t, f.sup.Launch(t.Context(), f.request("job-1"), rec.callbacks()))
	_, proc := f.launcher.last()

	_, _ = io.WriteString(proc.stdoutW, "Processing 1/2\nhal")
	_, _ = io.WriteString(proc.stdoutW, "f line\r\n\n")
	_, _ = io.WriteString(proc.stdoutW, "tail without newline")
	proc.finish(2)

	exit := rec.wait(t)
	assert.Equal(t, 2, exit.Code)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []Line{
		{Stream: Stdout, Text: "Processing 1/2"},
		{Stream: Stdout, Text: "half line"},
		{Stream: Stdout, Text: "tail without newline", Partial: true},
	}, rec.lines)
}

func TestStderrIsDelivered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	require.NoError(t, f.sup.Launch(t.Context(), f.request("job-1"), rec.callbacks()))
	_, proc := f.launcher.last()

	_, _ = io.WriteString(proc.stderrW, "❌ boom\n")
	proc.finish(1)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []Line{{Stream: Stderr, Text: "❌ boom"}}, rec.lines)
}

func TestLaunchPreconditions(t *testing.T) {
	t.Parallel()
	f := newFixture(t,
		catalog.Service{ID: "svc", Executable: "worker.py", Runtime: "python"},
		catalog.Service{ID: "node-svc", Executable: "worker.py", Runtime: "node"},
		catalog.Service{ID: "boxed", Executable: "worker.py", Image: "automation/worker:latest"},
		catalog.Service{ID: "gone", Executable: "missing.py", Runtime: "python"},
	)
	noop := Callbacks{OnOutput: func(Line) {}, OnExit: func(Exit) {}}

	tests := []struct {
		name   string
		mutate func(*LaunchRequest)
		want   error
	}{
		{"unknown service", func(r *LaunchRequest) { r.ServiceID = "nope" }, apperrors.ErrServiceNotConfigured},
		{"missing input", func(r *LaunchRequest) { r.InputPaths = []string{filepath.Join(f.dir, "nope.csv")} }, apperrors.ErrInputNotFound},
		{"input is a directory", func(r *LaunchRequest) { r.InputPaths = []string{f.dir} }, apperrors.ErrInputNotFound},
		{"no inputs", func(r *LaunchRequest) { r.InputPaths = nil }, apperrors.ErrValidation},
		{"runtime missing", func(r *LaunchRequest) { r.ServiceID = "node-svc" }, apperrors.ErrRuntimeNotFound},
		{"container launcher missing", func(r *LaunchRequest) { r.ServiceID = "boxed" }, apperrors.ErrRuntimeNotFound},
		{"executable missing", func(r *LaunchRequest) { r.ServiceID = "gone" }, apperrors.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("job-" + tt.name)
			tt.mutate(&req)
			err := f.sup.Launch(t.Context(), req, noop)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.launcher.commands)
	assert.Equal(t, 0, f.sup.Live())
}

func TestLaunchRejectsDuplicateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	require.NoError(t, f.sup.Launch(t.Context(), f.request("job-1"), rec.callbacks()))

	err := f.sup.Launch(t.Context(), f.request("job-1"), newRecorder().callbacks())
	require.ErrorIs(t, err, apperrors.ErrConflict)

	_, proc := f.launcher.last()
	proc.finish(0)
	rec.wait(t)
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	require.NoError(t, f.sup.Launch(t.Context(), f.request("job-1"), rec.callbacks()))
	_, proc := f.launcher.last()

	require.NoError(t, f.sup.Terminate("job-1"))
	require.NoError(t, f.sup.Terminate("job-1"), "second terminate is a no-op")

	exit := rec.wait(t)
	assert.True(t, exit.Terminated)
	assert.Equal(t, ExitTerminated, exit.Code)

	select {
	case <-proc.terminated:
	default:
		t.Fatal("process was not signalled")
	}

	require.NoError(t, f.sup.Terminate("job-1"), "terminate after exit is a no-op")
	require.NoError(t, f.sup.Terminate("unknown"))
}

func TestCloseTerminatesLiveWorkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	recs := []*recorder{newRecorder(), newRecorder()}
	for i, rec := range recs {
		require.NoError(t, f.sup.Launch(t.Context(), f.request([]string{"a", "b"}[i]), rec.callbacks()))
	}

	require.NoError(t, f.sup.Close(t.Context()))
	for _, rec := range recs {
		assert.True(t, rec.wait(t).Terminated)
	}
}
