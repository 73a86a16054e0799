package exec

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/postprocess"
	"github.com/atlekbai/formula_engine/internal/schema"
)

var (
	ErrUnexpectedInputs = errors.NewKind("source statement %s cannot read other statements")
	ErrColumnCount      = errors.NewKind("statement %s returned %d columns, want %d")
)

// Querier is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgxExecutor runs source statements on a PostgreSQL database.
type PgxExecutor struct {
	DB Querier
}

func (e *PgxExecutor) Execute(ctx context.Context, q *physical.Query, _ map[string]*Result) (*Result, error) {
	if len(q.Inputs) > 0 {
		return nil, ErrUnexpectedInputs.New(q.ID)
	}
	rows, err := e.DB.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.ID, err)
	}
	return collect(q, rows)
}

// Beginner is implemented by *pgxpool.Pool and *pgx.Conn.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxLocalExecutor runs local statements on a PostgreSQL instance used as
// the compute tier. Input results are copied into temporary tables named
// physical.TableName(id) inside a transaction that is rolled back after
// the statement.
type PgxLocalExecutor struct {
	DB Beginner
}

func (e *PgxLocalExecutor) Execute(ctx context.Context, q *physical.Query, inputs map[string]*Result) (*Result, error) {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for _, id := range q.Inputs {
		in, ok := inputs[id]
		if !ok {
			return nil, ErrMissingInput.New(q.ID, id)
		}
		if err := loadInput(ctx, tx, id, in); err != nil {
			return nil, fmt.Errorf("load %s for %s: %w", id, q.ID, err)
		}
	}

	rows, err := tx.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.ID, err)
	}
	return collect(q, rows)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

func loadInput(ctx context.Context, tx execer, id string, in *Result) error {
	defs := make([]string, len(in.Columns))
	names := make([]string, len(in.Columns))
	for i, c := range in.Columns {
		defs[i] = schema.QuoteIdent(c.ID) + " " + c.Type.PgType()
		names[i] = c.ID
	}
	table := physical.TableName(id)
	create := fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", schema.QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, create); err != nil {
		return err
	}
	if len(in.Rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{table}, names, pgx.CopyFromRows(in.Rows))
	return err
}

func collect(q *physical.Query, rows pgx.Rows) (*Result, error) {
	defer rows.Close()
	res := &Result{Columns: q.Columns}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(vals) != len(q.Columns) {
			return nil, ErrColumnCount.New(q.ID, len(vals), len(q.Columns))
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			if row[i], err = postprocess.Decode(v, q.Columns[i].Type); err != nil {
				return nil, err
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.ID, err)
	}
	return res, nil
}
