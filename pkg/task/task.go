// Package task implements the task dispatch engine (§4.2): atomic claim,
// submit, and failure-report operations over a project's dynamic task and
// result tables.
package task

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispider/control-plane/internal/apperr"
	"github.com/dispider/control-plane/pkg/dynsql"
)

// Task states (§3).
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is a single row of a project's task table: the fixed columns plus
// whatever user-declared TEXT columns exist, collected into Data.
type Task struct {
	ID         int64
	Status     string
	WorkerID   *string
	ClaimedAt  *time.Time
	RetryCount int
	Data       map[string]string
}

// Engine runs task dispatch operations against a project's dynamic tables.
type Engine struct {
	db        *pgxpool.Pool
	dyn       *dynsql.Helper
	retryCeil int
}

// New creates a task dispatch Engine. retryCeiling is the configured retry
// ceiling (§4.2); a task exceeding it transitions to failed permanently.
func New(db *pgxpool.Pool, dyn *dynsql.Helper, retryCeiling int) *Engine {
	return &Engine{db: db, dyn: dyn, retryCeil: retryCeiling}
}

// InitializeTable creates or recreates a project's task or result table with
// the given user-declared columns (owner+ only; enforced by the caller).
func (e *Engine) InitializeTable(ctx context.Context, kind dynsql.Kind, projectID int64, columns []string) error {
	return e.dyn.CreateOrRecreate(ctx, kind, projectID, columns)
}

// BulkAddTasks inserts a columnar batch of task rows and returns the count
// inserted.
func (e *Engine) BulkAddTasks(ctx context.Context, projectID int64, data map[string][]string) (int, error) {
	return e.dyn.BulkInsert(ctx, dynsql.Tasks, projectID, data)
}

// ClaimNext returns an existing in_progress row already owned by workerID if
// one exists (idempotent retry), otherwise claims the lowest-id pending row
// under FOR UPDATE SKIP LOCKED and marks it in_progress. Returns (Task{},
// false, nil) if no candidate exists.
func (e *Engine) ClaimNext(ctx context.Context, projectID int64, workerID string) (Task, bool, error) {
	userColumns, err := e.dyn.Describe(ctx, dynsql.Tasks, projectID)
	if err != nil {
		return Task{}, false, err
	}
	table := dynsql.TableName(dynsql.Tasks, projectID)
	selectCols := "id, status, worker_id, claimed_at, retry_count"
	if len(userColumns) > 0 {
		selectCols += ", " + strings.Join(userColumns, ", ")
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Task{}, false, apperr.Wrap(apperr.Internal, "beginning claim transaction", err)
	}
	defer tx.Rollback(ctx)

	// Idempotent re-claim: the worker may be retrying after a dropped response.
	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'in_progress' AND worker_id = $1 LIMIT 1`, selectCols, table),
		workerID,
	)
	t, err := scanTask(row, userColumns)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Task{}, false, apperr.Wrap(apperr.Internal, "committing claim", err)
		}
		return t, true, nil
	}
	if err != pgx.ErrNoRows {
		return Task{}, false, apperr.Wrap(apperr.Internal, "checking existing claim", err)
	}

	row = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET status = 'in_progress', worker_id = $1, claimed_at = now()
		 WHERE id = (
			SELECT id FROM %s WHERE status = 'pending' ORDER BY id ASC FOR UPDATE SKIP LOCKED LIMIT 1
		 )
		 RETURNING %s`, table, table, selectCols),
		workerID,
	)
	t, err = scanTask(row, userColumns)
	if err == pgx.ErrNoRows {
		if err := tx.Commit(ctx); err != nil {
			return Task{}, false, apperr.Wrap(apperr.Internal, "committing empty claim", err)
		}
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, apperr.Wrap(apperr.Internal, "claiming task", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, false, apperr.Wrap(apperr.Internal, "committing claim", err)
	}
	return t, true, nil
}

func scanTask(row pgx.Row, userColumns []string) (Task, error) {
	var t Task
	dest := []any{&t.ID, &t.Status, &t.WorkerID, &t.ClaimedAt, &t.RetryCount}
	values := make([]*string, len(userColumns))
	for i := range userColumns {
		dest = append(dest, &values[i])
	}
	if err := row.Scan(dest...); err != nil {
		return Task{}, err
	}
	if len(userColumns) > 0 {
		t.Data = make(map[string]string, len(userColumns))
		for i, c := range userColumns {
			if values[i] != nil {
				t.Data[c] = *values[i]
			}
		}
	}
	return t, nil
}

// SubmitResult inserts result row(s) for a task from a columnar batch
// {column -> values} with task_id backfilled, and marks the task completed.
// A single record is passed as one-element lists; a flat {column -> value}
// record is not accepted. Empty data only updates the status.
func (e *Engine) SubmitResult(ctx context.Context, projectID, taskID int64, data map[string][]string) error {
	taskTable := dynsql.TableName(dynsql.Tasks, projectID)
	resultTable := dynsql.TableName(dynsql.Results, projectID)

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "beginning submit transaction", err)
	}
	defer tx.Rollback(ctx)

	if len(data) > 0 {
		columns := make([]string, 0, len(data))
		for c := range data {
			columns = append(columns, c)
		}
		if err := dynsql.ValidateColumns(dynsql.Results, columns); err != nil {
			return err
		}
		rowCount := -1
		for _, values := range data {
			if rowCount == -1 {
				rowCount = len(values)
				continue
			}
			if len(values) != rowCount {
				return apperr.New(apperr.InvalidArgument, "all columns must have equal length")
			}
		}

		insertColumns := append([]string{"task_id"}, columns...)
		placeholders := make([]string, 0, rowCount)
		args := make([]any, 0, rowCount*len(insertColumns))
		argN := 1
		for i := 0; i < rowCount; i++ {
			ph := []string{fmt.Sprintf("$%d", argN)}
			args = append(args, taskID)
			argN++
			for _, c := range columns {
				ph = append(ph, fmt.Sprintf("$%d", argN))
				args = append(args, data[c][i])
				argN++
			}
			placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", resultTable, strings.Join(insertColumns, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return apperr.Wrap(apperr.Internal, "inserting result rows", err)
		}
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = 'completed' WHERE id = $1`, taskTable), taskID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marking task completed", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("task %d not found", taskID))
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, "committing submit", err)
	}
	return nil
}

// ReportFailure atomically increments retry_count for an in_progress task.
// Past the configured ceiling the task becomes failed; otherwise it returns
// to pending for another worker to claim. A task not currently in_progress
// is left untouched (idempotency).
func (e *Engine) ReportFailure(ctx context.Context, projectID, taskID int64) error {
	table := dynsql.TableName(dynsql.Tasks, projectID)

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "beginning failure transaction", err)
	}
	defer tx.Rollback(ctx)

	var retryCount int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET retry_count = retry_count + 1 WHERE id = $1 AND status = 'in_progress' RETURNING retry_count`, table),
		taskID,
	).Scan(&retryCount)
	if err == pgx.ErrNoRows {
		return tx.Commit(ctx) // not in_progress: no-op, still commit the (empty) transaction cleanly.
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "incrementing retry count", err)
	}

	if retryCount > e.retryCeil {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = 'failed' WHERE id = $1`, table), taskID); err != nil {
			return apperr.Wrap(apperr.Internal, "marking task failed", err)
		}
	} else {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = 'pending', worker_id = NULL, claimed_at = NULL WHERE id = $1`, table), taskID); err != nil {
			return apperr.Wrap(apperr.Internal, "returning task to pending", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, "committing failure report", err)
	}
	return nil
}

// Progress returns the ratio of completed rows over total, rounded to four
// decimals. Returns 0.0 if the table does not exist or is empty.
func (e *Engine) Progress(ctx context.Context, projectID int64) (float64, error) {
	exists, err := e.dyn.Exists(ctx, dynsql.Tasks, projectID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	table := dynsql.TableName(dynsql.Tasks, projectID)

	var total, completed int64
	if err := e.db.QueryRow(ctx, fmt.Sprintf(`SELECT count(*), count(*) FILTER (WHERE status = 'completed') FROM %s`, table)).Scan(&total, &completed); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "computing progress", err)
	}
	if total == 0 {
		return 0, nil
	}
	ratio := float64(completed) / float64(total)
	return math.Round(ratio*10000) / 10000, nil
}

// ResultsCount returns the total number of result rows, or 0 if the result
// table does not exist.
func (e *Engine) ResultsCount(ctx context.Context, projectID int64) (int64, error) {
	exists, err := e.dyn.Exists(ctx, dynsql.Results, projectID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	table := dynsql.TableName(dynsql.Results, projectID)

	var count int64
	if err := e.db.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "counting results", err)
	}
	return count, nil
}

// Columns returns the user-declared columns of a project's task table.
func (e *Engine) Columns(ctx context.Context, projectID int64) ([]string, error) {
	return e.dyn.Describe(ctx, dynsql.Tasks, projectID)
}
