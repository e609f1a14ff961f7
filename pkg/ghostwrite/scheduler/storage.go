package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLiteStorage persists jobs as JSON payloads in the scheduled_jobs
// table of the shared session database.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) Save(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, session_code, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		job.ID, job.Code, payload)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, code, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE id = ? AND session_code = ?`, id, code)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStorage) LoadAll(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM scheduled_jobs`)
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, fmt.Errorf("decoding job payload: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
