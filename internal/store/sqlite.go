package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oceanline/mediaforge/internal/jobs"
	"github.com/oceanline/mediaforge/internal/probe"
	"github.com/oceanline/mediaforge/internal/synth"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	progress_percent REAL NOT NULL DEFAULT 0,
	input_path TEXT DEFAULT '',
	output_path TEXT DEFAULT '',
	output_paths TEXT DEFAULT '',
	metadata_json TEXT DEFAULT '',
	error_code TEXT DEFAULT '',
	error_message TEXT DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// SQLiteStore implements jobs.Store using a WAL-mode sqlite database,
// grounded on the teacher's own sqlite store but trimmed to the
// fields this service's Job actually carries.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveJob(job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := job.Snapshot()

	outputPaths, err := json.Marshal(snap.OutputPaths)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(snap.Metadata)
	if err != nil {
		return err
	}

	var errCode, errMessage string
	if snap.Error != nil {
		errCode, errMessage = snap.Error.Code, snap.Error.Message
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, session_id, operation, status, progress_percent, input_path, output_path, output_paths, metadata_json, error_code, error_message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress_percent = excluded.progress_percent,
			input_path = excluded.input_path,
			output_path = excluded.output_path,
			output_paths = excluded.output_paths,
			metadata_json = excluded.metadata_json,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		snap.ID, snap.SessionID, string(snap.Operation), string(snap.Status), snap.ProgressPercent,
		snap.InputPath, snap.OutputPath, string(outputPaths), string(metaJSON),
		errCode, errMessage,
		formatTime(snap.CreatedAt), formatTime(snap.StartedAt), formatTime(snap.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) LoadJobs() ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, operation, status, progress_percent, input_path, output_path, output_paths, metadata_json, error_code, error_message, created_at, started_at, finished_at
		FROM jobs ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		var (
			j                                        jobs.Job
			operation, status                        string
			outputPaths, metaJSON                    string
			errCode, errMessage                       string
			createdAt, startedAt, finishedAt          sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.SessionID, &operation, &status, &j.ProgressPercent,
			&j.InputPath, &j.OutputPath, &outputPaths, &metaJSON, &errCode, &errMessage,
			&createdAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}

		j.Operation = synth.OperationKind(operation)
		j.Status = jobs.Status(status)
		if outputPaths != "" {
			_ = json.Unmarshal([]byte(outputPaths), &j.OutputPaths)
		}
		if metaJSON != "" {
			var meta probe.Metadata
			if err := json.Unmarshal([]byte(metaJSON), &meta); err == nil {
				j.Metadata = meta
			}
		}
		if errCode != "" || errMessage != "" {
			j.Error = &jobs.ErrorInfo{Code: errCode, Message: errMessage}
		}
		j.CreatedAt = parseTime(createdAt.String)
		j.StartedAt = parseTime(startedAt.String)
		j.FinishedAt = parseTime(finishedAt.String)

		out = append(out, &j)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
