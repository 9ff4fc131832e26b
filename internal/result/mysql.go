package result

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Result Store, mirroring SQLiteStore's
// schema on InnoDB so a deployment that chose task.MySQLStore for the
// Task Store (TaskStoreDriver=mysql) can keep results in the same
// engine instead of falling back to SQLite or memory.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens (and migrates) a MySQL-backed Result Store. dsn
// follows github.com/go-sql-driver/mysql's DSN format, e.g.
// "user:pass@tcp(127.0.0.1:3306)/orchestrator?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("result: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &MySQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS results (
			result_id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			content LONGTEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_results_task_id (task_id, created_at ASC)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS quality_checks (
			check_id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			result_id VARCHAR(64) NOT NULL,
			stage VARCHAR(32) NOT NULL,
			verdict VARCHAR(16) NOT NULL,
			hard_rule_passed BOOLEAN NOT NULL,
			hard_rule_notes TEXT,
			llm_score DOUBLE NOT NULL,
			llm_dimensions TEXT,
			suggestions TEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_quality_checks_task_id (task_id, created_at ASC)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("result: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) Create(ctx context.Context, r Result) (Result, error) {
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

func (s *MySQLStore) FindByTaskID(ctx context.Context, taskID string) ([]Result, error) {
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

func (s *MySQLStore) FindLatestByKind(ctx context.Context, taskID string, kind Kind) (Result, error) {
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

func (s *MySQLStore) DeleteByTaskID(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("result: delete results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quality_checks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("result: delete quality checks: %w", err)
	}
	return nil
}

func (s *MySQLStore) CreateQualityCheck(ctx context.Context, qc QualityCheck) (QualityCheck, error) {
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

func (s *MySQLStore) FindQualityChecksByTaskID(ctx context.Context, taskID string) ([]QualityCheck, error) {
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
