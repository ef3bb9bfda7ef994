package job

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"automation/internal/apperrors"
	"automation/internal/observability"
	"automation/internal/resolver"
	"automation/pkg/backoff"
)

// Refunder returns reserved credits to a user.
type Refunder interface {
	Refund(ctx context.Context, userID string, amount int64) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Refunder Refunder // required

	// OnTerminal is called once per job, after the terminal transition and
	// outside the job's lock.
	OnTerminal func(Snapshot)

	RefundAttempts int            // default 5
	RefundBackoff  backoff.Config // between refund attempts
	RefundTimeout  time.Duration  // ceiling for all attempts, default 5s
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// Registry owns every job record. A map lock guards membership and each
// record has its own lock, so events for different jobs never contend.
type Registry struct {
	refunder       Refunder
	onTerminal     func(Snapshot)
	refundAttempts int
	refundBackoff  backoff.Config
	refundTimeout  time.Duration
	metrics        *observability.Metrics
	now            func() time.Time

	mu   sync.RWMutex
	jobs map[string]*record
}

type record struct {
	mu  sync.Mutex
	job Job
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Refunder == nil {
		return nil, apperrors.Validation("refunder", "refunder is required")
	}
	if cfg.RefundAttempts <= 0 {
		cfg.RefundAttempts = 5
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		refunder:       cfg.Refunder,
		onTerminal:     cfg.OnTerminal,
		refundAttempts: cfg.RefundAttempts,
		refundBackoff:  cfg.RefundBackoff,
		refundTimeout:  cfg.RefundTimeout,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		jobs:           make(map[string]*record),
	}, nil
}

// Create adds a running job. Ids are never reused.
func (r *Registry) Create(j Job) error {
	if j.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	j.Status = StatusRunning
	j.Progress = 0
	j.Output = nil
	j.Results = nil
	j.EndTime = time.Time{}
	if j.StartTime.IsZero() {
		j.StartTime = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	r.jobs[j.ID] = &record{job: j}
	return nil
}

func (r *Registry) get(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Snapshot, bool) {
	rec := r.get(id)
	if rec == nil {
		return Snapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.snapshot(), true
}

// running applies fn to a running job. It reports false for unknown or
// terminal jobs, which are left untouched.
func (r *Registry) running(id string, fn func(*Job) bool) bool {
	rec := r.get(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status.Terminal() {
		return false
	}
	return fn(&rec.job)
}

// AppendOutput appends one output line. Lines arriving after the terminal
// transition are dropped.
func (r *Registry) AppendOutput(id, line string) bool {
	return r.running(id, func(j *Job) bool {
		j.Output = append(j.Output, line)
		return true
	})
}

// SetProgress raises the job's progress. Lower values are discarded so
// progress never goes backwards; it reports whether the value changed.
func (r *Registry) SetProgress(id string, pct int) bool {
	pct = min(max(pct, 0), 100)
	return r.running(id, func(j *Job) bool {
		if pct <= j.Progress {
			return false
		}
		j.Progress = pct
		return true
	})
}

// MarkLaunched records that the job's worker is running.
func (r *Registry) MarkLaunched(id string) bool {
	return r.running(id, func(j *Job) bool {
		j.Launched = true
		return true
	})
}

// RequestStop flags a running job for stopping. The flag is one-way; it
// reports false when the job is unknown or already terminal.
func (r *Registry) RequestStop(id string) bool {
	return r.running(id, func(j *Job) bool {
		j.StopRequested = true
		return true
	})
}

// Complete moves a running job to completed with its artifacts. A job with a
// pending stop request is stopped and refunded instead.
func (r *Registry) Complete(id string, artifacts []resolver.Artifact) bool {
	return r.finish(id, StatusCompleted, "", artifacts)
}

// Fail moves a running job to failed and refunds its reservation.
func (r *Registry) Fail(id, reason string) bool {
	return r.finish(id, StatusFailed, reason, nil)
}

// Stop moves a running job to stopped and refunds its reservation. A second
// call is a no-op.
func (r *Registry) Stop(id string) bool {
	return r.finish(id, StatusStopped, "stopped by user", nil)
}

func (r *Registry) finish(id string, status Status, reason string, artifacts []resolver.Artifact) bool {
	rec := r.get(id)
	if rec == nil {
		return false
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return false
	}
	j := &rec.job
	// A stop that landed while the exit was being handled wins over success.
	if status == StatusCompleted && j.StopRequested {
		status, reason, artifacts = StatusStopped, "stopped by user", nil
	}
	j.Status = status
	j.Reason = reason
	j.EndTime = r.now()
	if status == StatusCompleted {
		j.Progress = 100
		j.Results = append([]resolver.Artifact{}, artifacts...)
	} else {
		r.refund(j)
	}
	snap := j.snapshot()
	rec.mu.Unlock()

	slog.Info("Job finished",
		"jobId", id,
		"serviceId", snap.ServiceID,
		"status", status,
		"reason", reason,
		"artifacts", len(snap.Results))

	if r.onTerminal != nil {
		r.onTerminal(snap)
	}
	return true
}

// refund runs inside the terminal transition, so it happens exactly once per
// job and no reader sees a refundable terminal job before its credits are
// back. Readers of this job wait at most refundTimeout while the ledger is
// unavailable. Failures are retried, then logged and counted; they never
// reach the caller.
func (r *Registry) refund(j *Job) {
	if j.Reserved <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.refundTimeout)
	defer cancel()

	err := backoff.Retry(ctx, r.refundAttempts, &r.refundBackoff, func(ctx context.Context) error {
		return r.refunder.Refund(ctx, j.UserID, j.Reserved)
	})
	if err != nil {
		slog.Error("Refund failed",
			"jobId", j.ID,
			"userId", j.UserID,
			"amount", j.Reserved,
			"error", err)
		if r.metrics != nil {
			r.metrics.RecordRefundFailed(ctx)
		}
		return
	}
	slog.Info("Credits refunded", "jobId", j.ID, "userId", j.UserID, "amount", j.Reserved)
}

// List returns snapshots of a user's jobs, newest first. An empty userID
// lists every job.
func (r *Registry) List(userID string) []Snapshot {
	recs := r.records()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if userID == "" || rec.job.UserID == userID {
			out = append(out, rec.job.snapshot())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].StartTime.Equal(out[k].StartTime) {
			return out[i].ID < out[k].ID
		}
		return out[i].StartTime.After(out[k].StartTime)
	})
	return out
}

// Prune removes terminal jobs that ended more than olderThan ago and returns
// them. Running jobs are never pruned.
func (r *Registry) Prune(olderThan time.Duration) []Snapshot {
	cutoff := r.now().Add(-olderThan)

	var pruned []Snapshot
	for id, rec := range r.records() {
		rec.mu.Lock()
		expired := rec.job.Status.Terminal() && rec.job.EndTime.Before(cutoff)
		if expired {
			pruned = append(pruned, rec.job.snapshot())
		}
		rec.mu.Unlock()

		if expired {
			r.mu.Lock()
			delete(r.jobs, id)
			r.mu.Unlock()
		}
	}
	return pruned
}

func (r *Registry) records() map[string]*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*record, len(r.jobs))
	for id, rec := range r.jobs {
		out[id] = rec
	}
	return out
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, rec := range r.records() {
		rec.mu.Lock()
		counts[rec.job.Status]++
		rec.mu.Unlock()
	}
	return counts
}
