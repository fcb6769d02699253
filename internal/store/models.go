// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// JobRun records one execution of a scheduled job.
type JobRun struct {
	ID        int64
	Job       string
	WorkerID  string
	StartedAt time.Time
	Duration  time.Duration
	Status    string
	Error     string
}

// Models is the domain model layer built on a Handle.
type Models struct {
	h *Handle
}

// NewModels binds the model layer to h. Call Migrate before use.
func NewModels(h *Handle) *Models {
	return &Models{h: h}
}

// Migrate creates the tables used by the worker roles.
func (m *Models) Migrate(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if m.h.Driver() != "sqlite" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS job_runs (
			` + idColumn + `,
			job TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job, started_at)`,
		`CREATE TABLE IF NOT EXISTS status_updates (
			` + idColumn + `,
			kind TEXT NOT NULL,
			app_id TEXT NOT NULL,
			env TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range migrations {
		if _, err := m.h.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// RecordJobRun inserts a job execution record.
func (m *Models) RecordJobRun(ctx context.Context, run JobRun) error {
	_, err := m.h.DB().ExecContext(ctx, m.rebind(
		`INSERT INTO job_runs (job, worker_id, started_at, duration_ms, status, error) VALUES (?, ?, ?, ?, ?, ?)`),
		run.Job, run.WorkerID, run.StartedAt.UTC().Format(timeLayout),
		run.Duration.Milliseconds(), run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record job run: %w", err)
	}
	return nil
}

// StatusRecord is a deploy or migration status received from the bus.
type StatusRecord struct {
	Kind        string
	AppID       string
	Environment string
	Status      string
	Message     string
	ReceivedAt  time.Time
}

// RecordStatus stores a status update.
func (m *Models) RecordStatus(ctx context.Context, rec StatusRecord) error {
	_, err := m.h.DB().ExecContext(ctx, m.rebind(
		`INSERT INTO status_updates (kind, app_id, env, status, message, received_at) VALUES (?, ?, ?, ?, ?, ?)`),
		rec.Kind, rec.AppID, rec.Environment, rec.Status, rec.Message,
		rec.ReceivedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// LatestStatus returns the most recent status of kind for appID.
func (m *Models) LatestStatus(ctx context.Context, kind, appID string) (*StatusRecord, error) {
	row := m.h.DB().QueryRowContext(ctx, m.rebind(
		`SELECT kind, app_id, env, status, message, received_at
		FROM status_updates WHERE kind = ? AND app_id = ? ORDER BY id DESC LIMIT 1`), kind, appID)

	var (
		rec        StatusRecord
		receivedAt string
	)
	if err := row.Scan(&rec.Kind, &rec.AppID, &rec.Environment, &rec.Status, &rec.Message, &receivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query status: %w", err)
	}
	rec.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
	return &rec, nil
}

// RecentJobRuns returns the latest runs of job, newest first.
func (m *Models) RecentJobRuns(ctx context.Context, job string, limit int) ([]JobRun, error) {
	rows, err := m.h.DB().QueryContext(ctx, m.rebind(
		`SELECT id, job, worker_id, started_at, duration_ms, status, error
		FROM job_runs WHERE job = ? ORDER BY id DESC LIMIT ?`), job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var (
			run       JobRun
			startedAt string
			duration  int64
		)
		if err := rows.Scan(&run.ID, &run.Job, &run.WorkerID, &startedAt, &duration, &run.Status, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.StartedAt, _ = time.Parse(timeLayout, startedAt)
		run.Duration = time.Duration(duration) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneJobRuns deletes job runs started before cutoff and returns how
// many were removed.
func (m *Models) PruneJobRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.h.DB().ExecContext(ctx, m.rebind(`DELETE FROM job_runs WHERE started_at < ?`),
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune job runs: %w", err)
	}
	return res.RowsAffected()
}

// CountStatuses returns the number of stored status updates per kind.
func (m *Models) CountStatuses(ctx context.Context) (map[string]int64, error) {
	rows, err := m.h.DB().QueryContext(ctx, `SELECT kind, COUNT(*) FROM status_updates GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// rebind rewrites ? placeholders to $n for postgres.
func (m *Models) rebind(query string) string {
	if m.h.Driver() == "sqlite" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
