package result

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Result Store, using the same WAL/
// pragma setup as internal/task's SQLiteStore so both can share a
// database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed Result Store.
// Pass the same *sql.DB internal/task opened to share one file, or a
// fresh one for an isolated results database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("result: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("result: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS results (
			result_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS quality_checks (
			check_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			result_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			verdict TEXT NOT NULL,
			hard_rule_passed INTEGER NOT NULL,
			hard_rule_notes TEXT,
			llm_score REAL NOT NULL,
			llm_dimensions TEXT,
			suggestions TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_checks_task_id ON quality_checks(task_id, created_at ASC)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("result: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, r Result) (Result, error) {
	if r.ResultID == "" {
		r.ResultID = newID()
	}
	r.CreatedAt = time.Now()

	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return Result{}, fmt.Errorf("result: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (result_id, task_id, kind, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ResultID, r.TaskID, r.Kind, r.Content, string(metaJSON), r.CreatedAt,
	)
	if err != nil {
		return Result{}, fmt.Errorf("result: insert: %w", err)
	}
	return r, nil
}

func scanResult(row interface{ Scan(...any) error }) (Result, error) {
	var r Result
	var metaJSON string
	if err := row.Scan(&r.ResultID, &r.TaskID, &r.Kind, &r.Content, &metaJSON, &r.CreatedAt); err != nil {
		return Result{}, err
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	}
	return r, nil
}

func (s *SQLiteStore) FindByTaskID(ctx context.Context, taskID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_id, task_id, kind, content, metadata, created_at FROM results WHERE task_id = ? ORDER BY created_at ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("result: query: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("result: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindLatestByKind(ctx context.Context, taskID string, kind Kind) (Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT result_id, task_id, kind, content, metadata, created_at FROM results
		 WHERE task_id = ? AND kind = ? ORDER BY created_at DESC LIMIT 1`,
		taskID, kind)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("result: find latest: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) DeleteByTaskID(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("result: delete results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quality_checks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("result: delete quality checks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateQualityCheck(ctx context.Context, qc QualityCheck) (QualityCheck, error) {
	if qc.CheckID == "" {
		qc.CheckID = newID()
	}
	qc.CreatedAt = time.Now()

	notesJSON, err := json.Marshal(qc.HardRuleNotes)
	if err != nil {
		return QualityCheck{}, fmt.Errorf("result: marshal hard rule notes: %w", err)
	}
	dimsJSON, err := json.Marshal(qc.LLMDimensions)
	if err != nil {
		return QualityCheck{}, fmt.Errorf("result: marshal llm dimensions: %w", err)
	}
	suggJSON, err := json.Marshal(qc.Suggestions)
	if err != nil {
		return QualityCheck{}, fmt.Errorf("result: marshal suggestions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quality_checks (check_id, task_id, result_id, stage, verdict, hard_rule_passed,
			hard_rule_notes, llm_score, llm_dimensions, suggestions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qc.CheckID, qc.TaskID, qc.ResultID, qc.Stage, qc.Verdict, qc.HardRulePassed,
		string(notesJSON), qc.LLMScore, string(dimsJSON), string(suggJSON), qc.CreatedAt,
	)
	if err != nil {
		return QualityCheck{}, fmt.Errorf("result: insert quality check: %w", err)
	}
	return qc, nil
}

func (s *SQLiteStore) FindQualityChecksByTaskID(ctx context.Context, taskID string) ([]QualityCheck, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT check_id, task_id, result_id, stage, verdict, hard_rule_passed,
			hard_rule_notes, llm_score, llm_dimensions, suggestions, created_at
		 FROM quality_checks WHERE task_id = ? ORDER BY created_at ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("result: query quality checks: %w", err)
	}
	defer rows.Close()

	var out []QualityCheck
	for rows.Next() {
		var qc QualityCheck
		var notesJSON, dimsJSON, suggJSON string
		if err := rows.Scan(&qc.CheckID, &qc.TaskID, &qc.ResultID, &qc.Stage, &qc.Verdict, &qc.HardRulePassed,
			&notesJSON, &qc.LLMScore, &dimsJSON, &suggJSON, &qc.CreatedAt); err != nil {
			return nil, fmt.Errorf("result: scan quality check: %w", err)
		}
		_ = json.Unmarshal([]byte(notesJSON), &qc.HardRuleNotes)
		_ = json.Unmarshal([]byte(dimsJSON), &qc.LLMDimensions)
		_ = json.Unmarshal([]byte(suggJSON), &qc.Suggestions)
		out = append(out, qc)
	}
	return out, rows.Err()
}
