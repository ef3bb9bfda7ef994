package job

import (
	"time"

	"automation/internal/resolver"
)

// Status is a job's lifecycle state. Running is the only initial state and
// terminal states never change.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// File describes one input and what it costs.
type File struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Rows    int64  `json:"rows"`
	Credits int64  `json:"credits"`
}

// Callback configures lifecycle webhooks for a job.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // empty for all events
	Key    string   `json:"key,omitempty"`    // HMAC signing key
}

// StartRequest asks for one automation run. Files are names of uploads
// already stored under the upload directory.
type StartRequest struct {
	UserID      string            `json:"-"`
	ServiceID   string            `json:"serviceId"`
	Files       []string          `json:"files"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Callback    *Callback         `json:"callback,omitempty"`
}

// Job is the registry's record of one run.
type Job struct {
	ID        string
	UserID    string
	ServiceID string
	Files     []File
	Cost      int64 // estimated price
	Reserved  int64 // credits actually debited, refunded on failure or stop
	WorkDir   string
	Callback  *Callback

	Status        Status
	Progress      int
	Output        []string
	StartTime     time.Time
	EndTime       time.Time
	Results       []resolver.Artifact
	Reason        string
	StopRequested bool
	Launched      bool
}

// Snapshot is a consistent copy of a job, safe to read without locks.
type Snapshot struct {
	ID              string              `json:"jobId"`
	UserID          string              `json:"userId"`
	ServiceID       string              `json:"serviceId"`
	Status          Status              `json:"status"`
	Progress        int                 `json:"progress"`
	Output          []string            `json:"output"`
	ResultFiles     []string            `json:"resultFiles"`
	Results         []resolver.Artifact `json:"artifacts"`
	Files           []File              `json:"files"`
	Cost            int64               `json:"cost"`
	CreditsReserved int64               `json:"creditsReserved"`
	StartTime       time.Time           `json:"startTime"`
	EndTime         *time.Time          `json:"endTime,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	StopRequested   bool                `json:"stopRequested,omitempty"`

	workDir  string
	callback *Callback
	launched bool
}

// Duration is the run time, up to now for running jobs.
func (s Snapshot) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

func (j *Job) snapshot() Snapshot {
	s := Snapshot{
		ID:              j.ID,
		UserID:          j.UserID,
		ServiceID:       j.ServiceID,
		Status:          j.Status,
		Progress:        j.Progress,
		Output:          append([]string{}, j.Output...),
		ResultFiles:     make([]string, 0, len(j.Results)),
		Results:         append([]resolver.Artifact{}, j.Results...),
		Files:           append([]File{}, j.Files...),
		Cost:            j.Cost,
		CreditsReserved: j.Reserved,
		StartTime:       j.StartTime,
		Reason:          j.Reason,
		StopRequested:   j.StopRequested,
		workDir:         j.WorkDir,
		callback:        j.Callback,
		launched:        j.Launched,
	}
	for _, a := range j.Results {
		s.ResultFiles = append(s.ResultFiles, a.Name)
	}
	if !j.EndTime.IsZero() {
		end := j.EndTime
		s.EndTime = &end
	}
	return s
}
