package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore is the durable execution store. Claim exclusivity rides on
// conditional UPDATEs (compare-and-swap on task status), and every task
// transition recomputes the run's progress aggregates in the same
// transaction.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// inTx runs fn inside a transaction. When s already wraps one, fn joins it;
// otherwise a transaction is opened and committed here so multi-statement
// updates (task transition + run aggregate recompute) stay atomic.
func (s *PostgresStore) inTx(fn func(tx *PostgresStore) error) error {
	if _, already := s.db.(*sqlx.Tx); already {
		return fn(s)
	}
	txStore, err := s.Begin()
	if err != nil {
		return err
	}
	tx := txStore.(*PostgresStore)
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%v (rollback failed: %v)", err, rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// CreateRun inserts the run and all its task executions.
func (s *PostgresStore) CreateRun(run models.Run, tasks []models.TaskExecution) error {
	return s.inTx(func(tx *PostgresStore) error {
		_, err := tx.db.Exec(`
			INSERT INTO runs (id, pipeline_id, user_id, status, priority, progress,
				total_tasks, completed_tasks, retry_count, cost_total, tokens_used,
				cancel_requested, error_msg, queued_at, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			run.ID, run.PipelineID, run.UserID, run.Status, run.Priority, run.Progress,
			run.TotalTasks, run.CompletedTasks, run.RetryCount, run.CostTotal, run.TokensUsed,
			run.CancelRequested, run.ErrorMsg, run.QueuedAt, run.StartedAt, run.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		for _, t := range tasks {
			inputs, err := json.Marshal(t.Inputs)
			if err != nil {
				return fmt.Errorf("marshal inputs of task %s: %w", t.ID, err)
			}
			config, err := json.Marshal(t.Config)
			if err != nil {
				return fmt.Errorf("marshal config of task %s: %w", t.ID, err)
			}
			_, err = tx.db.Exec(`
				INSERT INTO task_executions (id, run_id, node_id, node_type, status,
					attempts, execution_order, depends_on, inputs, config, error_msg,
					cost, tokens_used)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				t.ID, t.RunID, t.NodeID, t.NodeType, t.Status,
				t.Attempts, t.ExecutionOrder, pq.Array(t.DependsOn), inputs, config, t.ErrorMsg,
				t.Cost, t.TokensUsed)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}
	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs, "SELECT * FROM runs ORDER BY queued_at DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ListEligibleRuns orders by (priority DESC, queued_at ASC); the matching
// index keeps the scan cheap. limit <= 0 means no limit.
func (s *PostgresStore) ListEligibleRuns(limit int) ([]models.Run, error) {
	runs := []models.Run{}
	query := `SELECT * FROM runs WHERE status IN ('QUEUED', 'RUNNING')
		ORDER BY priority DESC, queued_at ASC`
	var err error
	if limit > 0 {
		err = s.db.Select(&runs, query+" LIMIT $1", limit)
	} else {
		err = s.db.Select(&runs, query)
	}
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus is the idempotent state-machine transition: conditional on
// the run not being terminal (and QUEUED when moving to RUNNING), so losing
// the race, or re-applying a terminal transition, yields (false, nil).
func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus, errMsg string) (bool, error) {
	guard := "status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')"
	if status == models.RunningRunStatus {
		guard = "status = 'QUEUED'"
	}
	res, err := s.db.Exec(`
		UPDATE runs
		SET status = $1,
		error_msg = CASE WHEN $2 <> '' THEN $2 ELSE error_msg END,
		started_at = CASE WHEN $1 = 'RUNNING' THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $3 AND `+guard,
		status, errMsg, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) RequestCancel(id string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET cancel_requested = TRUE
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Distinguish a missing run from an already-terminal one.
		if _, getErr := s.GetRun(id); getErr != nil {
			return getErr
		}
	}
	return nil
}

const taskColumns = `id, run_id, node_id, node_type, status, attempts,
	execution_order, depends_on, inputs, config, output, error_msg,
	cost, tokens_used, started_at, finished_at`

func scanTask(row sqlx.ColScanner) (models.TaskExecution, error) {
	var t models.TaskExecution
	var inputs, config, output []byte
	err := row.Scan(&t.ID, &t.RunID, &t.NodeID, &t.NodeType, &t.Status, &t.Attempts,
		&t.ExecutionOrder, pq.Array(&t.DependsOn), &inputs, &config, &output, &t.ErrorMsg,
		&t.Cost, &t.TokensUsed, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return models.TaskExecution{}, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &t.Inputs); err != nil {
			return models.TaskExecution{}, fmt.Errorf("unmarshal inputs of task %s: %w", t.ID, err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &t.Config); err != nil {
			return models.TaskExecution{}, fmt.Errorf("unmarshal config of task %s: %w", t.ID, err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &t.Output); err != nil {
			return models.TaskExecution{}, fmt.Errorf("unmarshal output of task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *PostgresStore) GetTask(id string) (models.TaskExecution, error) {
	row := s.db.QueryRowx("SELECT "+taskColumns+" FROM task_executions WHERE id = $1", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return models.TaskExecution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskExecution{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(runID string) ([]models.TaskExecution, error) {
	rows, err := s.db.Queryx(
		"SELECT "+taskColumns+" FROM task_executions WHERE run_id = $1 ORDER BY execution_order", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []models.TaskExecution{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkReadyTasks promotes PENDING tasks whose dependencies are all SUCCEEDED.
func (s *PostgresStore) MarkReadyTasks(runID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE task_executions t SET status = 'READY'
		WHERE t.run_id = $1 AND t.status = 'PENDING'
		AND NOT EXISTS (
			SELECT 1 FROM task_executions d
			WHERE d.run_id = t.run_id
			AND d.node_id = ANY(t.depends_on)
			AND d.status <> 'SUCCEEDED'
		)`, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClaimTask is the exclusive claim: a conditional UPDATE from READY, so no
// two workers can both win on the same task.
func (s *PostgresStore) ClaimTask(id string) (models.TaskExecution, error) {
	res, err := s.db.Exec(`
		UPDATE task_executions
		SET status = 'RUNNING', attempts = attempts + 1, started_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'READY'`, id)
	if err != nil {
		return models.TaskExecution{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.TaskExecution{}, err
	}
	if n == 0 {
		return models.TaskExecution{}, storage.ErrClaimConflict
	}
	return s.GetTask(id)
}

func (s *PostgresStore) CompleteTask(id string, output map[string]string, cost float64, tokens int64) error {
	out, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output of task %s: %w", id, err)
	}
	return s.inTx(func(tx *PostgresStore) error {
		_, err := tx.db.Exec(`
			UPDATE task_executions
			SET status = 'SUCCEEDED', output = $1, cost = $2, tokens_used = $3,
			error_msg = '', finished_at = CURRENT_TIMESTAMP
			WHERE id = $4`, out, cost, tokens, id)
		if err != nil {
			return err
		}
		return tx.recomputeRun(id)
	})
}

func (s *PostgresStore) FailTask(id string, errMsg string) error {
	return s.inTx(func(tx *PostgresStore) error {
		_, err := tx.db.Exec(`
			UPDATE task_executions
			SET status = 'FAILED', error_msg = $1, finished_at = CURRENT_TIMESTAMP
			WHERE id = $2`, errMsg, id)
		if err != nil {
			return err
		}
		return tx.recomputeRun(id)
	})
}

func (s *PostgresStore) MarkRetrying(id string, errMsg string) error {
	return s.inTx(func(tx *PostgresStore) error {
		res, err := tx.db.Exec(`
			UPDATE task_executions SET status = 'RETRYING', error_msg = $1
			WHERE id = $2 AND status = 'RUNNING'`, errMsg, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s is not RUNNING", id)
		}
		_, err = tx.db.Exec(`
			UPDATE runs SET retry_count = retry_count + 1
			WHERE id = (SELECT run_id FROM task_executions WHERE id = $1)`, id)
		return err
	})
}

func (s *PostgresStore) RequeueTask(id string) error {
	_, err := s.db.Exec(`
		UPDATE task_executions SET status = 'READY'
		WHERE id = $1 AND status IN ('RETRYING', 'RUNNING')`, id)
	return err
}

func (s *PostgresStore) SkipTasks(runID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(func(tx *PostgresStore) error {
		_, err := tx.db.Exec(`
			UPDATE task_executions
			SET status = 'SKIPPED', finished_at = CURRENT_TIMESTAMP
			WHERE run_id = $1 AND id = ANY($2)
			AND status IN ('PENDING', 'READY', 'RETRYING')`, runID, pq.Array(ids))
		if err != nil {
			return err
		}
		return tx.recomputeRunByID(runID)
	})
}

// recomputeRun refreshes the progress and cost aggregates of the run owning
// task taskID, inside the caller's transaction.
func (s *PostgresStore) recomputeRun(taskID string) error {
	_, err := s.db.Exec(`
		UPDATE runs r SET
			completed_tasks = agg.done,
			progress = CASE WHEN r.total_tasks > 0 THEN agg.done::float / r.total_tasks ELSE 0 END,
			cost_total = agg.cost,
			tokens_used = agg.tokens
		FROM (
			SELECT run_id,
				COUNT(*) FILTER (WHERE status IN ('SUCCEEDED', 'FAILED', 'SKIPPED')) AS done,
				COALESCE(SUM(cost), 0) AS cost,
				COALESCE(SUM(tokens_used), 0) AS tokens
			FROM task_executions
			WHERE run_id = (SELECT run_id FROM task_executions WHERE id = $1)
			GROUP BY run_id
		) agg
		WHERE r.id = agg.run_id`, taskID)
	return err
}

func (s *PostgresStore) recomputeRunByID(runID string) error {
	_, err := s.db.Exec(`
		UPDATE runs r SET
			completed_tasks = agg.done,
			progress = CASE WHEN r.total_tasks > 0 THEN agg.done::float / r.total_tasks ELSE 0 END,
			cost_total = agg.cost,
			tokens_used = agg.tokens
		FROM (
			SELECT run_id,
				COUNT(*) FILTER (WHERE status IN ('SUCCEEDED', 'FAILED', 'SKIPPED')) AS done,
				COALESCE(SUM(cost), 0) AS cost,
				COALESCE(SUM(tokens_used), 0) AS tokens
			FROM task_executions
			WHERE run_id = $1
			GROUP BY run_id
		) agg
		WHERE r.id = agg.run_id`, runID)
	return err
}

func (s *PostgresStore) AppendLog(entry models.ExecutionLogEntry) error {
	var taskID interface{}
	if entry.TaskID != "" {
		taskID = entry.TaskID
	}
	_, err := s.db.Exec(`
		INSERT INTO execution_logs (run_id, task_id, level, message, attempt, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.RunID, taskID, entry.Level, entry.Message, entry.Attempt, entry.LoggedAt)
	return err
}

func (s *PostgresStore) ListLogs(runID string) ([]models.ExecutionLogEntry, error) {
	rows, err := s.db.Queryx(`
		SELECT id, run_id, COALESCE(task_id, ''), level, message, attempt, logged_at
		FROM execution_logs WHERE run_id = $1 ORDER BY logged_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	logs := []models.ExecutionLogEntry{}
	for rows.Next() {
		var e models.ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.TaskID, &e.Level, &e.Message, &e.Attempt, &e.LoggedAt); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
