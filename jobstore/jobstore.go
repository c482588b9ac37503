// Package jobstore keeps a sqlite ledger of export runs and their jobs, so
// that jobs submitted by one invocation can be monitored by another.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"woreda-stats/exporter"
)

var ErrNoRuns = errors.New("no export runs recorded")

const schema = `
CREATE TABLE IF NOT EXISTS export_runs (
	id TEXT PRIMARY KEY,
	request TEXT,
	created_at DATETIME
);
CREATE TABLE IF NOT EXISTS export_jobs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES export_runs(id),
	seq INTEGER NOT NULL,
	feature_id TEXT NOT NULL,
	feature_name TEXT,
	description TEXT,
	bucket TEXT,
	path TEXT,
	state TEXT,
	raw_state TEXT,
	error_message TEXT,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE INDEX IF NOT EXISTS export_jobs_run ON export_jobs(run_id, seq);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("creating schema: %w", err), db.Close())
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records an export request and returns the new run id.
func (s *Store) CreateRun(req exporter.ExportRequest) (string, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO export_runs (id, request, created_at) VALUES (?, ?, ?)`,
		id, string(reqJSON), time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// SaveJobs stores the jobs of a run, keeping their order.
func (s *Store) SaveJobs(runID string, jobs []*exporter.ExportJob) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	now := time.Now().UTC()
	for i, job := range jobs {
		_, err = tx.Exec(`INSERT INTO export_jobs
			(id, run_id, seq, feature_id, feature_name, description, bucket, path, state, raw_state, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, runID, i, job.FeatureID, job.FeatureName, job.Description, job.Bucket, job.Path,
			string(job.State), job.RawState, job.ErrorMessage, now, now)
		if err != nil {
			return fmt.Errorf("saving job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateJob persists the cached state of job.
func (s *Store) UpdateJob(job *exporter.ExportJob) error {
	res, err := s.db.Exec(`UPDATE export_jobs SET state = ?, raw_state = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(job.State), job.RawState, job.ErrorMessage, time.Now().UTC(), job.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, sql.ErrNoRows)
	}
	return nil
}

// LatestRun returns the id of the most recently created run.
func (s *Store) LatestRun() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM export_runs ORDER BY rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	return id, err
}

// Jobs returns every job of a run in submission order.
func (s *Store) Jobs(runID string) ([]*exporter.ExportJob, error) {
	rows, err := s.db.Query(`SELECT id, feature_id, feature_name, description, bucket, path, state, raw_state, error_message
		FROM export_jobs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*exporter.ExportJob
	for rows.Next() {
		var job exporter.ExportJob
		var state string
		if err := rows.Scan(&job.ID, &job.FeatureID, &job.FeatureName, &job.Description,
			&job.Bucket, &job.Path, &state, &job.RawState, &job.ErrorMessage); err != nil {
			return nil, err
		}
		job.State = exporter.JobState(state)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// ActiveJobs returns the jobs of a run that have not reached a terminal state.
func (s *Store) ActiveJobs(runID string) ([]*exporter.ExportJob, error) {
	jobs, err := s.Jobs(runID)
	if err != nil {
		return nil, err
	}
	active := jobs[:0]
	for _, job := range jobs {
		if !job.State.Terminal() {
			active = append(active, job)
		}
	}
	return active, nil
}
