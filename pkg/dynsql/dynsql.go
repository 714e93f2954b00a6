// Package dynsql is the single gatekeeper for per-project tables whose
// column set is user-defined (§4.1). It is the only place in the control
// plane that composes table or column names into SQL text; every other
// package goes through a parameterized query against a fixed schema.
package dynsql

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispider/control-plane/internal/apperr"
)

// Kind selects which of the two per-project tables an operation targets.
type Kind string

const (
	Tasks   Kind = "tasks"
	Results Kind = "results"
)

// identifierPattern matches "begins with a non-digit, non-symbol character,
// continues with word characters or unicode letters" (§4.1). \w already
// covers ASCII word characters and underscore; \p{L} extends that to
// unicode letters, CJK included.
var identifierPattern = regexp.MustCompile(`^[\p{L}_][\p{L}\w]*$`)

// reservedTaskColumns and reservedResultColumns are the fixed columns each
// table carries; user declarations may not shadow them (§3).
var (
	reservedTaskColumns   = map[string]bool{"id": true, "status": true, "worker_id": true, "claimed_at": true, "retry_count": true}
	reservedResultColumns = map[string]bool{"id": true, "task_id": true, "note": true}
)

// ValidateColumns checks a list of user-declared column names against the
// identifier pattern and the reserved set for the given table kind.
func ValidateColumns(kind Kind, columns []string) error {
	if len(columns) == 0 {
		return apperr.New(apperr.InvalidArgument, "at least one column is required")
	}
	reserved := reservedTaskColumns
	if kind == Results {
		reserved = reservedResultColumns
	}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if !identifierPattern.MatchString(c) {
			return apperr.New(apperr.InvalidArgument, fmt.Sprintf("invalid column name %q", c))
		}
		lower := strings.ToLower(c)
		if reserved[lower] {
			return apperr.New(apperr.InvalidArgument, fmt.Sprintf("column name %q is reserved", c))
		}
		if seen[lower] {
			return apperr.New(apperr.InvalidArgument, fmt.Sprintf("duplicate column name %q", c))
		}
		seen[lower] = true
	}
	return nil
}

// TableName returns the fixed table name for a project and kind. Project IDs
// are always numeric, so no further validation is required before
// interpolating one into SQL text.
func TableName(kind Kind, projectID int64) string {
	switch kind {
	case Results:
		return fmt.Sprintf("project_%d_results", projectID)
	default:
		return fmt.Sprintf("project_%d_tasks", projectID)
	}
}

// Helper composes dynamic SQL for a single database pool.
type Helper struct {
	db *pgxpool.Pool
}

// New creates a dynsql Helper.
func New(db *pgxpool.Pool) *Helper {
	return &Helper{db: db}
}

// CreateOrRecreate drops any existing table of the given kind for a project
// (CASCADE) and creates a fresh one with the fixed system columns followed
// by the user columns, all declared TEXT. This is destructive by design;
// callers must enforce owner privilege before calling it.
func (h *Helper) CreateOrRecreate(ctx context.Context, kind Kind, projectID int64, columns []string) error {
	if err := ValidateColumns(kind, columns); err != nil {
		return err
	}
	table := TableName(kind, projectID)

	var fixed string
	if kind == Results {
		fixed = `id BIGSERIAL PRIMARY KEY, task_id BIGINT NOT NULL, note TEXT`
	} else {
		fixed = `id BIGSERIAL PRIMARY KEY, status TEXT NOT NULL DEFAULT 'pending', worker_id TEXT, claimed_at TIMESTAMPTZ, retry_count INT NOT NULL DEFAULT 0`
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DROP TABLE IF EXISTS %s CASCADE;\n", table)
	fmt.Fprintf(&b, "CREATE TABLE %s (%s", table, fixed)
	for _, c := range columns {
		fmt.Fprintf(&b, ", %s TEXT", c)
	}
	b.WriteString(");")

	if _, err := h.db.Exec(ctx, b.String()); err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Sprintf("creating table %s", table), err)
	}
	return nil
}

// Describe returns the user-declared columns of a project's table, in
// catalog order, with the fixed system columns filtered out. Returns
// NotFound if the table does not exist.
func (h *Helper) Describe(ctx context.Context, kind Kind, projectID int64) ([]string, error) {
	table := TableName(kind, projectID)
	reserved := reservedTaskColumns
	if kind == Results {
		reserved = reservedResultColumns
	}

	rows, err := h.db.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "describing table", err)
	}
	defer rows.Close()

	var out []string
	var any bool
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scanning column", err)
		}
		any = true
		if !reserved[strings.ToLower(col)] {
			out = append(out, col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "iterating columns", err)
	}
	if !any {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("table %s does not exist", table))
	}
	return out, nil
}

// Exists reports whether a project's table of the given kind is present.
func (h *Helper) Exists(ctx context.Context, kind Kind, projectID int64) (bool, error) {
	table := TableName(kind, projectID)
	var exists bool
	err := h.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		table,
	).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "checking table existence", err)
	}
	return exists, nil
}

// BulkInsert inserts a columnar batch `{column -> values}` into a project's
// table. All value lists must have equal length; an empty column set fails
// with InvalidArgument. Returns the number of rows inserted.
func (h *Helper) BulkInsert(ctx context.Context, kind Kind, projectID int64, data map[string][]string) (int, error) {
	if len(data) == 0 {
		return 0, apperr.New(apperr.InvalidArgument, "bulk insert requires at least one column")
	}

	columns := make([]string, 0, len(data))
	for c := range data {
		columns = append(columns, c)
	}
	if err := ValidateColumns(kind, columns); err != nil {
		return 0, err
	}

	rowCount := -1
	for _, values := range data {
		if rowCount == -1 {
			rowCount = len(values)
			continue
		}
		if len(values) != rowCount {
			return 0, apperr.New(apperr.InvalidArgument, "all columns must have equal length")
		}
	}
	if rowCount <= 0 {
		return 0, apperr.New(apperr.InvalidArgument, "bulk insert requires at least one row")
	}

	table := TableName(kind, projectID)

	tx, err := h.db.Begin(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "beginning bulk insert transaction", err)
	}
	defer tx.Rollback(ctx)

	placeholders := make([]string, 0, rowCount)
	args := make([]any, 0, rowCount*len(columns))
	argN := 1
	for i := 0; i < rowCount; i++ {
		ph := make([]string, 0, len(columns))
		for _, c := range columns {
			ph = append(ph, fmt.Sprintf("$%d", argN))
			args = append(args, data[c][i])
			argN++
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "bulk inserting rows", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "committing bulk insert", err)
	}
	return rowCount, nil
}
