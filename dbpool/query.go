package dbpool

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// State is the lifecycle of a Query, as described in spec section 4.2.
type State int

const (
	Inactive State = iota
	Submitted
	Executing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Submitted:
		return "submitted"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Row is a single result row, addressable by the column names the database
// reports for the result, mirroring the server's Row::getInt/getBigint
// helpers.
type Row struct {
	fields []string
	values []any
}

func newRow(fields []string, values []any) *Row {
	return &Row{fields: fields, values: values}
}

func (r *Row) column(name string) any {
	for i, f := range r.fields {
		if f == name {
			return r.values[i]
		}
	}
	return nil
}

func (r *Row) GetInt(name string) int {
	v := r.column(name)
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func (r *Row) GetBigint(name string) int64 {
	v := r.column(name)
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	default:
		return 0
	}
}

func (r *Row) GetString(name string) string {
	s, _ := r.column(name).(string)
	return s
}

// Query is a single parameterised statement, optionally a COPY ... FROM
// STDIN WITH BINARY stream. A Query is either run standalone (submitted
// directly to the Pool) or enqueued into a Transaction.
type Query struct {
	SQL string

	// Set for COPY ... FROM STDIN queries: Table and Columns name the
	// target, and copyRows holds one row of bound values per submitLine call.
	copyTable   string
	copyColumns []string
	copyRows    [][]any

	args []any

	// allowFailure marks queries whose failure is expected and must not
	// poison the enclosing Transaction (bodypart dedup inserts).
	allowFailure bool

	notify func(*Query)

	state State
	err   error
	rows  []*Row

	tx *Transaction
}

// NewQuery creates a standalone parameterised query.
func NewQuery(sql string, args ...any) *Query {
	return &Query{SQL: sql, args: args, state: Inactive}
}

// NewCopyQuery creates a COPY ... FROM STDIN WITH BINARY query. Call
// SubmitLine once per row of bound values before enqueuing it.
func NewCopyQuery(table string, columns ...string) *Query {
	return &Query{copyTable: table, copyColumns: columns, state: Inactive}
}

// Bind appends a positional parameter. The binary/text distinction the C++
// original makes is handled transparently by pgx's extended query protocol,
// so Bind always takes the Go-typed value.
func (q *Query) Bind(args ...any) *Query {
	q.args = append(q.args, args...)
	return q
}

// SubmitLine appends one row of values to a COPY query.
func (q *Query) SubmitLine(values ...any) *Query {
	row := make([]any, len(values))
	copy(row, values)
	q.copyRows = append(q.copyRows, row)
	return q
}

// AllowFailure marks this query's failure as expected; see spec section 4.2.
func (q *Query) AllowFailure() *Query {
	q.allowFailure = true
	return q
}

// Notify registers a handler fired exactly once when the query reaches a
// terminal state (Completed or Failed).
func (q *Query) Notify(f func(*Query)) *Query {
	q.notify = f
	return q
}

func (q *Query) Done() bool {
	return q.state == Completed || q.state == Failed
}

func (q *Query) FailedState() bool {
	return q.state == Failed
}

func (q *Query) Error() error {
	return q.err
}

func (q *Query) Rows() []*Row {
	return q.rows
}

func (q *Query) NextRow() *Row {
	if len(q.rows) == 0 {
		return nil
	}
	r := q.rows[0]
	q.rows = q.rows[1:]
	return r
}

func (q *Query) Transaction() *Transaction {
	return q.tx
}

// run executes the query against conn, which must belong to the handle (or
// transaction) currently owning it, and settles its terminal state.
func (q *Query) run(ctx context.Context, conn queryExecer) {
	q.state = Executing
	var err error
	if q.copyTable != "" {
		_, err = conn.CopyFrom(ctx, pgx.Identifier{q.copyTable}, q.copyColumns, pgx.CopyFromRows(q.copyRows))
	} else {
		var rows pgx.Rows
		rows, err = conn.Query(ctx, q.SQL, q.args...)
		if err == nil {
			err = q.collect(rows)
		}
	}
	if err != nil {
		q.state = Failed
		q.err = err
	} else {
		q.state = Completed
	}
	if q.notify != nil {
		q.notify(q)
	}
}

func (q *Query) collect(rows pgx.Rows) error {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		q.rows = append(q.rows, newRow(names, values))
	}
	return rows.Err()
}

// queryExecer is satisfied by both *pgx.Conn and pgx.Tx, so a Query can run
// directly on a handle's connection or inside a transaction.
type queryExecer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}
