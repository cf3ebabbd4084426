package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/xjson"
)

// PostgresStore is the relational row store. Full rows live in a jsonb
// column; the columns the pollers filter and join on are materialized so
// the runnable query and execution-history lookups stay indexed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id                TEXT PRIMARY KEY,
	status            INT NOT NULL,
	version           BIGINT NOT NULL DEFAULT 1,
	elapsed_seconds   DOUBLE PRECISION NOT NULL DEFAULT 0,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	data              JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs (status, created_at);

CREATE TABLE IF NOT EXISTS node_executions (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	node_id        TEXT NOT NULL,
	edge_id        TEXT NOT NULL DEFAULT '',
	pre_node_id    TEXT NOT NULL DEFAULT '',
	level          INT NOT NULL,
	child_level    INT NOT NULL DEFAULT 0,
	status         INT NOT NULL,
	correct_output BOOLEAN NOT NULL DEFAULT FALSE,
	data           JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_node_executions_run ON node_executions (run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_node_executions_node ON node_executions (run_id, node_id, created_at);
CREATE INDEX IF NOT EXISTS idx_node_executions_edge ON node_executions (run_id, edge_id, created_at);

CREATE TABLE IF NOT EXISTS node_confirmers (
	workflow_id TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	PRIMARY KEY (workflow_id, node_id, user_id)
);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	run.Version = 1
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	data, err := xjson.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (id, status, version, data, created_at, updated_at)
		 VALUES ($1, $2, 1, $3, $4, $4)`,
		run.ID, int(run.Status), data, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) scanRun(row pgx.Row) (*domain.WorkflowRun, error) {
	var (
		data    []byte
		status  int
		version int64
		elapsed float64
		pt, ct, tt int64
	)
	if err := row.Scan(&data, &status, &version, &elapsed, &pt, &ct, &tt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var run domain.WorkflowRun
	if err := xjson.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	// columns are authoritative for the fields touched outside the
	// optimistic protocol
	run.Status = domain.RunStatus(status)
	run.Version = version
	run.ElapsedSeconds = elapsed
	run.PromptTokens = int(pt)
	run.CompletionTokens = int(ct)
	run.TotalTokens = int(tt)
	return &run, nil
}

const runColumns = `data, status, version, elapsed_seconds, prompt_tokens, completion_tokens, total_tokens`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewNotFoundError("run", id)
	}
	return run, err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *domain.WorkflowRun) error {
	expected := run.Version
	run.Version++
	run.UpdatedAt = time.Now()
	data, err := xjson.Marshal(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET data = $2, status = $3, version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $5`,
		run.ID, data, int(run.Status), run.UpdatedAt, expected)
	if err != nil {
		run.Version = expected
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		run.Version = expected
		return domain.ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListRunnable(ctx context.Context, limit int) ([]*domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE status = ANY($1) ORDER BY created_at LIMIT $2`,
		[]int{int(domain.RunStatusQueued), int(domain.RunStatusRunning)}, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkflowRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddRunUsage(ctx context.Context, runID string, elapsed float64, promptTokens, completionTokens, totalTokens int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET elapsed_seconds = elapsed_seconds + $2,
		     prompt_tokens = prompt_tokens + $3,
		     completion_tokens = completion_tokens + $4,
		     total_tokens = total_tokens + $5
		 WHERE id = $1`,
		runID, elapsed, promptTokens, completionTokens, totalTokens)
	if err != nil {
		return fmt.Errorf("add usage for run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("run", runID)
	}
	return nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *domain.NodeExecution) error {
	exec.CreatedAt = time.Now()
	exec.UpdatedAt = exec.CreatedAt
	data, err := xjson.Marshal(exec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO node_executions
		 (id, run_id, node_id, edge_id, pre_node_id, level, child_level, status, correct_output, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		exec.ID, exec.RunID, exec.NodeID, exec.EdgeID, exec.PreNodeID,
		exec.Level, exec.ChildLevel, int(exec.Status), exec.CorrectOutput, data, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *PostgresStore) decodeExecutionRow(row pgx.Row) (*domain.NodeExecution, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var exec domain.NodeExecution
	if err := xjson.Unmarshal(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	exec, err := s.decodeExecutionRow(s.pool.QueryRow(ctx,
		`SELECT data FROM node_executions WHERE id = $1`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewNotFoundError("execution", id)
	}
	return exec, err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *domain.NodeExecution) error {
	exec.UpdatedAt = time.Now()
	data, err := xjson.Marshal(exec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_executions
		 SET data = $2, status = $3, correct_output = $4, updated_at = $5
		 WHERE id = $1`,
		exec.ID, data, int(exec.Status), exec.CorrectOutput, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("execution", exec.ID)
	}
	return nil
}

func (s *PostgresStore) LatestSuccessByNode(ctx context.Context, runID, nodeID string) (*domain.NodeExecution, error) {
	exec, err := s.decodeExecutionRow(s.pool.QueryRow(ctx,
		`SELECT data FROM node_executions
		 WHERE run_id = $1 AND node_id = $2 AND status = $3 AND correct_output = FALSE
		 ORDER BY created_at DESC LIMIT 1`,
		runID, nodeID, int(domain.ExecStatusSucceeded)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewNotFoundError("execution", runID+"/"+nodeID)
	}
	return exec, err
}

func (s *PostgresStore) LatestByEdge(ctx context.Context, runID, edgeID string) (*domain.NodeExecution, error) {
	exec, err := s.decodeExecutionRow(s.pool.QueryRow(ctx,
		`SELECT data FROM node_executions
		 WHERE run_id = $1 AND edge_id = $2 AND child_level = 0
		 ORDER BY created_at DESC LIMIT 1`,
		runID, edgeID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewNotFoundError("execution", runID+"/"+edgeID)
	}
	return exec, err
}

func (s *PostgresStore) ListChildren(ctx context.Context, runID, preNodeID string, level int) ([]*domain.NodeExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM node_executions
		 WHERE run_id = $1 AND pre_node_id = $2 AND level = $3 AND child_level > 0
		 ORDER BY created_at`,
		runID, preNodeID, level)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []*domain.NodeExecution
	for rows.Next() {
		exec, err := s.decodeExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingConfirm(ctx context.Context, runID string) ([]*domain.NodeExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM node_executions
		 WHERE run_id = $1 AND status = $2
		   AND COALESCE((data->>'need_human_confirm')::boolean, FALSE)
		 ORDER BY created_at`,
		runID, int(domain.ExecStatusStarted))
	if err != nil {
		return nil, fmt.Errorf("list pending confirmations: %w", err)
	}
	defer rows.Close()

	var out []*domain.NodeExecution
	for rows.Next() {
		exec, err := s.decodeExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AssignConfirmer(ctx context.Context, a domain.ConfirmerAssignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_confirmers (workflow_id, node_id, user_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		a.WorkflowID, a.NodeID, a.UserID)
	if err != nil {
		return fmt.Errorf("assign confirmer: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConfirmers(ctx context.Context, workflowID, nodeID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM node_confirmers WHERE workflow_id = $1 AND node_id = $2`,
		workflowID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list confirmers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
