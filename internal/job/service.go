package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"automation/internal/apperrors"
	"automation/internal/catalog"
	"automation/internal/dispatcher"
	"automation/internal/history"
	"automation/internal/ledger"
	"automation/internal/observability"
	"automation/internal/progress"
	"automation/internal/resolver"
	"automation/internal/supervisor"
	"automation/pkg/backoff"
	"automation/pkg/cloudevent"

	"github.com/google/uuid"
)

// Validation limits
const (
	maxInputFiles     = 32
	maxFileNameLength = 255
	maxCredentials    = 16
	maxCallbackEvents = 16
	maxReasonDetail   = 300
)

// Supervisor runs worker processes.
type Supervisor interface {
	Launch(ctx context.Context, req supervisor.LaunchRequest, cb supervisor.Callbacks) error
	Terminate(jobID string) error
}

// Ledger escrows job costs.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64) (ledger.Reservation, error)
	Refund(ctx context.Context, userID string, amount int64) error
	IsPrivileged(ctx context.Context, userID string) bool
}

// Catalog resolves service ids.
type Catalog interface {
	Lookup(id string) (catalog.Service, bool)
	List() []catalog.Service
}

// History stores finished jobs.
type History interface {
	Record(ctx context.Context, e history.Entry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// Archiver mirrors completed artifacts.
type Archiver interface {
	Archive(userID, jobID, jobDir string, artifacts []resolver.Artifact) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Supervisor Supervisor            // required
	Ledger     Ledger                // required
	Catalog    Catalog               // required
	History    History               // optional
	Archiver   Archiver              // optional
	Dispatcher dispatcher.Dispatcher // optional, callbacks are skipped when nil
	Metrics    *observability.Metrics

	WorkDir   string // per-job directories are created under here
	UploadDir string // inputs are looked up here

	Retention      time.Duration // how long terminal jobs stay queryable (default 1h)
	RefundAttempts int
	RefundBackoff  backoff.Config
	RefundTimeout  time.Duration
	Now            func() time.Time
}

// Service is the orchestration facade: it prices and escrows a job, launches
// its worker, and turns worker events into job state.
type Service struct {
	registry   *Registry
	supervisor Supervisor
	ledger     Ledger
	catalog    Catalog
	history    History
	archiver   Archiver
	dispatcher dispatcher.Dispatcher
	metrics    *observability.Metrics
	workDir    string
	uploadDir  string
	retention  time.Duration
	now        func() time.Time
}

// NewService creates a new job service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Supervisor == nil || cfg.Ledger == nil || cfg.Catalog == nil {
		return nil, fmt.Errorf("supervisor, ledger and catalog are required")
	}
	if cfg.WorkDir == "" || cfg.UploadDir == "" {
		return nil, fmt.Errorf("work and upload directories are required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		supervisor: cfg.Supervisor,
		ledger:     cfg.Ledger,
		catalog:    cfg.Catalog,
		history:    cfg.History,
		archiver:   cfg.Archiver,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		workDir:    cfg.WorkDir,
		uploadDir:  cfg.UploadDir,
		retention:  cfg.Retention,
		now:        cfg.Now,
	}
	registry, err := NewRegistry(RegistryConfig{
		Refunder:       cfg.Ledger,
		OnTerminal:     s.finished,
		RefundAttempts: cfg.RefundAttempts,
		RefundBackoff:  cfg.RefundBackoff,
		RefundTimeout:  cfg.RefundTimeout,
		Metrics:        cfg.Metrics,
		Now:            cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	s.registry = registry
	return s, nil
}

// Registry exposes the job registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start validates, prices and escrows a job, then launches its worker.
// Precondition failures return an error and leave the ledger untouched.
// Launch failures after the reservation produce a failed, refunded job whose
// id is still returned.
func (s *Service) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := validate(&req); err != nil {
		return "", err
	}

	svc, ok := s.catalog.Lookup(req.ServiceID)
	if !ok {
		return "", apperrors.ServiceNotConfigured(req.ServiceID)
	}

	paths := make([]string, 0, len(req.Files))
	for _, name := range req.Files {
		p := filepath.Join(s.uploadDir, filepath.FromSlash(name))
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return "", apperrors.InputNotFound(name)
		}
		paths = append(paths, p)
	}

	files, cost, err := EstimateCredits(paths, svc.CreditsPerUnit)
	if err != nil {
		return "", apperrors.Internal("job.estimate", err)
	}

	reservation, err := s.ledger.Reserve(ctx, req.UserID, cost)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	logger := slog.With("jobId", id, "serviceId", svc.ID, "userId", req.UserID)

	j := Job{
		ID:        id,
		UserID:    req.UserID,
		ServiceID: svc.ID,
		Files:     files,
		Cost:      cost,
		Reserved:  reservation.Charged,
		WorkDir:   filepath.Join(s.workDir, id),
		Callback:  req.Callback,
	}
	if err := s.registry.Create(j); err != nil {
		if rerr := s.ledger.Refund(context.WithoutCancel(ctx), req.UserID, reservation.Charged); rerr != nil {
			logger.Error("Refund after failed create failed", "error", rerr)
		}
		return "", err
	}
	logger.Info("Job created", "cost", cost, "charged", reservation.Charged, "files", len(files))

	s.dispatch(logger, j.Callback, NewEventBuilder(id, req.UserID, svc.ID).BuildStartEvent(files, reservation.Charged))

	// The worker outlives the request.
	err = s.supervisor.Launch(context.WithoutCancel(ctx), supervisor.LaunchRequest{
		JobID:       id,
		ServiceID:   svc.ID,
		InputPaths:  paths,
		WorkDir:     j.WorkDir,
		Credentials: req.Credentials,
		Parameters:  req.Parameters,
	}, s.callbacks(id))
	if err != nil {
		reason := launchFailure(err)
		logger.Error("Worker launch failed", "error", err)
		s.registry.Fail(id, reason)
		return id, nil
	}

	s.registry.MarkLaunched(id)
	if s.metrics != nil {
		s.metrics.RecordJobStarted(ctx, svc.ID)
	}

	// A stop that arrived while the worker was being spawned could not reach it.
	if snap, ok := s.registry.Get(id); ok && snap.StopRequested && !snap.Status.Terminal() {
		if err := s.supervisor.Terminate(id); err != nil {
			logger.Warn("Failed to terminate worker after early stop", "error", err)
		}
	}
	return id, nil
}

func launchFailure(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if appErr.Cause != nil {
			return "failed to launch worker: " + appErr.Cause.Error()
		}
		return "failed to launch worker: " + appErr.Message
	}
	return "failed to launch worker: " + err.Error()
}

// tracker remembers the last error seen in a job's output. It is only
// touched from the job's watcher goroutine.
type tracker struct {
	lastError string
	remedy    string
}

func (t *tracker) detail() string {
	d := t.remedy
	if d == "" {
		d = t.lastError
	}
	if len(d) > maxReasonDetail {
		d = d[:maxReasonDetail]
	}
	return d
}

func (s *Service) callbacks(id string) supervisor.Callbacks {
	t := &tracker{}
	return supervisor.Callbacks{
		OnOutput: func(line supervisor.Line) { s.onOutput(id, t, line) },
		OnExit:   func(exit supervisor.Exit) { s.onExit(id, t, exit) },
	}
}

func (s *Service) onOutput(id string, t *tracker, line supervisor.Line) {
	if !s.registry.AppendOutput(id, line.Text) {
		return
	}
	// A trailing fragment is kept but never interpreted.
	if line.Partial {
		return
	}

	sig := progress.Classify(line.Text)
	switch sig.Kind {
	case progress.Progress:
		if s.registry.SetProgress(id, sig.Percent) {
			s.progressEvent(id, sig.Percent)
		}
	case progress.Error:
		t.lastError = sig.Text
		if sig.MissingDependency {
			t.remedy = sig.Remedy
		}
	}
}

func (s *Service) progressEvent(id string, pct int) {
	snap, ok := s.registry.Get(id)
	if !ok || snap.callback == nil {
		return
	}
	logger := slog.With("jobId", id)
	s.dispatch(logger, snap.callback, NewEventBuilder(id, snap.UserID, snap.ServiceID).BuildProgressEvent(pct))
}

func (s *Service) onExit(id string, t *tracker, exit supervisor.Exit) {
	snap, ok := s.registry.Get(id)
	if !ok || snap.Status.Terminal() {
		return
	}

	switch {
	case exit.Terminated || snap.StopRequested:
		s.registry.Stop(id)
	case exit.Err != nil:
		s.registry.Fail(id, fmt.Sprintf("worker failed: %v", exit.Err))
	case exit.Code != 0:
		reason := fmt.Sprintf("worker exited with code %d", exit.Code)
		if d := t.detail(); d != "" {
			reason += ": " + d
		}
		s.registry.Fail(id, reason)
	default:
		s.complete(snap)
	}
}

// complete resolves the job's deliverables. A successful exit that left
// nothing behind still completes, with the transcript as its only artifact.
func (s *Service) complete(snap Snapshot) {
	logger := slog.With("jobId", snap.ID, "serviceId", snap.ServiceID)

	patterns := catalog.DefaultArtifacts
	if svc, ok := s.catalog.Lookup(snap.ServiceID); ok && len(svc.Artifacts) > 0 {
		patterns = svc.Artifacts
	}
	artifacts, err := resolver.Resolve(snap.workDir, patterns)
	if err != nil {
		logger.Warn("Failed to resolve artifacts", "error", err)
		artifacts = nil
	}

	if len(artifacts) == 0 {
		placeholder, err := resolver.WritePlaceholder(snap.workDir, resolver.Placeholder(snap.ServiceID), snap.Output)
		if err != nil {
			logger.Error("Failed to write transcript", "error", err)
		}
		logger.Warn("Worker succeeded without producing artifacts", "placeholder", placeholder.Name)
		if s.metrics != nil {
			s.metrics.RecordJobDegraded(context.Background(), snap.ServiceID)
		}
		artifacts = []resolver.Artifact{placeholder}
	}
	s.registry.Complete(snap.ID, artifacts)
}

// finished runs once per job after its terminal transition.
func (s *Service) finished(snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := slog.With("jobId", snap.ID, "serviceId", snap.ServiceID)

	if s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, snap.ServiceID, string(snap.Status), snap.launched,
			snap.Duration(s.now()).Seconds())
	}

	if s.history != nil {
		if err := s.history.Record(ctx, historyEntry(snap)); err != nil {
			logger.Error("Failed to record history", "error", err)
		}
	}

	s.dispatch(logger, snap.callback,
		NewEventBuilder(snap.ID, snap.UserID, snap.ServiceID).BuildExitEvent(snap.Status, snap.Reason, snap.Results))

	if s.archiver != nil && snap.Status == StatusCompleted {
		if err := s.archiver.Archive(snap.UserID, snap.ID, snap.workDir, snap.Results); err != nil {
			logger.Warn("Failed to queue artifacts for archiving", "error", err)
		}
	}
}

func historyEntry(snap Snapshot) history.Entry {
	e := history.Entry{
		JobID:           snap.ID,
		UserID:          snap.UserID,
		ServiceID:       snap.ServiceID,
		Status:          string(snap.Status),
		CreditsReserved: snap.CreditsReserved,
		Reason:          snap.Reason,
		StartedAt:       snap.StartTime,
	}
	if snap.Status == StatusCompleted {
		e.CreditsUsed = snap.CreditsReserved
	}
	if snap.EndTime != nil {
		e.EndedAt = *snap.EndTime
	}
	for _, f := range snap.Files {
		e.InputFiles = append(e.InputFiles, f.Name)
	}
	for _, a := range snap.Results {
		e.ResultFiles = append(e.ResultFiles, a.Name)
	}
	return e
}

func (s *Service) dispatch(logger *slog.Logger, cb *Callback, event *cloudevent.CloudEvent) {
	if s.dispatcher == nil || cb == nil || cb.URL == "" {
		return
	}
	if !FilteredEvents(event.Type, cb.Events) {
		return
	}
	if err := s.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	}); err != nil {
		logger.Warn("Failed to dispatch event", "type", event.Type, "error", err)
	}
}

// owned returns the job if userID may see it. Other users' jobs are reported
// as missing.
func (s *Service) owned(ctx context.Context, userID, jobID string) (Snapshot, error) {
	snap, ok := s.registry.Get(jobID)
	if !ok || (snap.UserID != userID && !s.ledger.IsPrivileged(ctx, userID)) {
		return Snapshot{}, apperrors.NotFound("job", jobID)
	}
	return snap, nil
}

// Status returns a snapshot of the job.
func (s *Service) Status(ctx context.Context, userID, jobID string) (Snapshot, error) {
	return s.owned(ctx, userID, jobID)
}

// Stop requests cancellation. Stopping a terminal job succeeds without effect.
// The worker's exit moves the job to stopped.
func (s *Service) Stop(ctx context.Context, userID, jobID string) error {
	snap, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return err
	}
	logger := slog.With("jobId", jobID)
	if !s.registry.RequestStop(jobID) {
		logger.Debug("Stop ignored, job already finished", "status", snap.Status)
		return nil
	}
	logger.Info("Stop requested", "userId", userID)

	// Not launched yet: Start terminates the worker once it is running. The
	// flag is read after the request so one of the two sides always sees the other.
	if snap, ok := s.registry.Get(jobID); !ok || !snap.launched {
		return nil
	}
	if err := s.supervisor.Terminate(jobID); err != nil {
		logger.Error("Job cancellation failed", "error", err)
		return apperrors.Internal("job.stop", err)
	}
	return nil
}

// List returns the user's jobs, newest first.
func (s *Service) List(_ context.Context, userID string) []Snapshot {
	return s.registry.List(userID)
}

// Services returns the services that accept jobs.
func (s *Service) Services() []catalog.Service {
	return s.catalog.List()
}

// History returns the user's finished jobs, most recent first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]history.Entry, error) {
	if s.history == nil {
		return []history.Entry{}, nil
	}
	entries, err := s.history.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Internal("job.history", err)
	}
	return entries, nil
}

// Artifact opens one of the job's resolved artifacts. Names outside the
// resolved list are reported as missing.
func (s *Service) Artifact(ctx context.Context, userID, jobID, name string) (*os.File, resolver.Artifact, error) {
	snap, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, resolver.Artifact{}, err
	}
	for _, a := range snap.Results {
		if a.Name != name {
			continue
		}
		f, err := resolver.Open(snap.workDir, a)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, resolver.Artifact{}, apperrors.NotFound("file", name)
		}
		if err != nil {
			return nil, resolver.Artifact{}, apperrors.Internal("job.artifact", err)
		}
		return f, a, nil
	}
	return nil, resolver.Artifact{}, apperrors.NotFound("file", name)
}

// Bundle returns a function writing a tar.gz of the job's artifacts. It fails
// before anything is written when the job has none.
func (s *Service) Bundle(ctx context.Context, userID, jobID string) (func(io.Writer) error, error) {
	snap, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if len(snap.Results) == 0 {
		return nil, apperrors.NotFound("artifacts of job", jobID)
	}
	return func(w io.Writer) error {
		return resolver.WriteBundle(w, snap.workDir, snap.Results)
	}, nil
}

// Run prunes expired jobs and their directories until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

// Prune removes terminal jobs older than the retention period along with
// their working directories.
func (s *Service) Prune() int {
	logger := slog.With("component", "maintenance")
	pruned := s.registry.Prune(s.retention)
	for _, snap := range pruned {
		if snap.workDir == "" {
			continue
		}
		if err := os.RemoveAll(snap.workDir); err != nil {
			logger.Warn("Failed to remove job directory", "jobId", snap.ID, "error", err)
		}
	}
	if len(pruned) > 0 {
		logger.Info("Maintenance complete", "cleaned", len(pruned))
	}
	return len(pruned)
}

// validate checks a start request and trims its fields in place.
func validate(req *StartRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)

	if req.UserID == "" {
		return apperrors.Validation("userId", "userId is required")
	}
	if req.ServiceID == "" {
		return apperrors.Validation("serviceId", "serviceId is required")
	}
	if len(req.Files) == 0 {
		return apperrors.Validation("files", "at least one input file is required")
	}
	if len(req.Files) > maxInputFiles {
		return apperrors.Validation("files", fmt.Sprintf("files exceed maximum of %d", maxInputFiles))
	}
	for _, name := range req.Files {
		if len(name) > maxFileNameLength {
			return apperrors.Validation("files", fmt.Sprintf("file name exceeds maximum length of %d", maxFileNameLength))
		}
		if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
			return apperrors.Validation("files", fmt.Sprintf("invalid file name %q", name))
		}
	}
	if len(req.Credentials) > maxCredentials {
		return apperrors.Validation("credentials", fmt.Sprintf("credentials exceed maximum of %d entries", maxCredentials))
	}

	if req.Callback != nil {
		if err := validateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range req.Callback.Events {
			if !FilteredEvents(e, eventTypes) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", e))
			}
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
