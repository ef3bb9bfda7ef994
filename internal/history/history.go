// Package history keeps the audit trail of finished jobs. It is never used to
// restore live jobs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one finished job.
type Entry struct {
	JobID           string    `json:"jobId"`
	UserID          string    `json:"userId"`
	ServiceID       string    `json:"serviceId"`
	Status          string    `json:"status"`
	CreditsReserved int64     `json:"creditsReserved"`
	CreditsUsed     int64     `json:"creditsUsed"`
	InputFiles      []string  `json:"inputFiles"`
	ResultFiles     []string  `json:"resultFiles"`
	Reason          string    `json:"reason,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultLimit bounds ListByUser when no limit is given.
const DefaultLimit = 100

// Store persists entries in the work_history table.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts an entry. Recording the same job twice keeps the first entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	inputs, err := json.Marshal(nonNil(e.InputFiles))
	if err != nil {
		return fmt.Errorf("encode input files: %w", err)
	}
	results, err := json.Marshal(nonNil(e.ResultFiles))
	if err != nil {
		return fmt.Errorf("encode result files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_history (
			job_id, user_id, service_id, status, credits_reserved, credits_used,
			input_files, result_files, reason, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		e.JobID, e.UserID, e.ServiceID, e.Status, e.CreditsReserved, e.CreditsUsed,
		string(inputs), string(results), e.Reason,
		e.StartedAt.UTC().Format(timeLayout), e.EndedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

// ListByUser returns a user's entries, most recently ended first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, user_id, service_id, status, credits_reserved, credits_used,
			input_files, result_files, reason, started_at, ended_at
		FROM work_history
		WHERE user_id = ?
		ORDER BY ended_at DESC, job_id
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                 Entry
			inputs, results   string
			started, finished string
		)
		if err := rows.Scan(&e.JobID, &e.UserID, &e.ServiceID, &e.Status, &e.CreditsReserved,
			&e.CreditsUsed, &inputs, &results, &e.Reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(inputs), &e.InputFiles); err != nil {
			return nil, fmt.Errorf("decode input files of %s: %w", e.JobID, err)
		}
		if err := json.Unmarshal([]byte(results), &e.ResultFiles); err != nil {
			return nil, fmt.Errorf("decode result files of %s: %w", e.JobID, err)
		}
		if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at of %s: %w", e.JobID, err)
		}
		if e.EndedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse ended_at of %s: %w", e.JobID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
