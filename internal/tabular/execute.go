package tabular

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/braidhq/braid/internal/model"
)

const (
	// maxResultRows is the default hard cap on rows returned to the
	// caller, independent of any LIMIT in the statement.
	maxResultRows = 1000
	// statementTimeout is the default bound on a single query against the
	// bound database.
	statementTimeout = 5 * time.Second
	// connectTimeout bounds binding validation and introspection.
	connectTimeout = 10 * time.Second
)

// execLimits bounds statement execution. Zero fields take the defaults.
type execLimits struct {
	maxRows int
	timeout time.Duration
}

func (l execLimits) normalized() execLimits {
	if l.maxRows <= 0 {
		l.maxRows = maxResultRows
	}
	if l.timeout <= 0 {
		l.timeout = statementTimeout
	}
	return l
}

// queryResult is the raw outcome of running a statement on a bound database.
type queryResult struct {
	columns   []string
	rows      [][]any
	truncated bool
}

// connector runs introspection and guarded queries against one engine.
type connector interface {
	introspect(ctx context.Context) (model.SchemaSnapshot, error)
	query(ctx context.Context, sqlText string) (queryResult, error)
}

func connectorFor(engine model.EngineTag, dsn string, lim execLimits) (connector, error) {
	switch engine {
	case model.EnginePostgres:
		return &pgConnector{dsn: dsn, lim: lim}, nil
	case model.EngineSQLite:
		return &sqliteConnector{path: dsn, lim: lim}, nil
	default:
		return nil, fmt.Errorf("tabular: unsupported engine %q", engine)
	}
}

type pgConnector struct {
	dsn string
	lim execLimits
}

func (c *pgConnector) introspect(ctx context.Context) (model.SchemaSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return model.SchemaSnapshot{}, failf(FailConnectionError, "connect: %v", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	rows, err := conn.Query(ctx, `
		SELECT c.table_name, c.column_name, c.data_type
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return model.SchemaSnapshot{}, classifyPG(err, connectTimeout)
	}
	var (
		order   []string
		columns = make(map[string][]model.ColumnSummary)
	)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			rows.Close()
			return model.SchemaSnapshot{}, classifyPG(err, connectTimeout)
		}
		if _, seen := columns[table]; !seen {
			order = append(order, table)
		}
		columns[table] = append(columns[table], model.ColumnSummary{Name: column, Type: dataType})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.SchemaSnapshot{}, classifyPG(err, connectTimeout)
	}

	// reltuples is -1 until the table has been analyzed.
	estimates := make(map[string]int64)
	rows, err = conn.Query(ctx, `
		SELECT c.relname, c.reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = 'public' AND c.relkind = 'r'`)
	if err != nil {
		return model.SchemaSnapshot{}, classifyPG(err, connectTimeout)
	}
	for rows.Next() {
		var name string
		var est int64
		if err := rows.Scan(&name, &est); err != nil {
			rows.Close()
			return model.SchemaSnapshot{}, classifyPG(err, connectTimeout)
		}
		estimates[name] = est
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.SchemaSnapshot{}, classifyPG(err, connectTimeout)
	}

	snapshot := model.SchemaSnapshot{CapturedAt: time.Now().UTC()}
	for _, name := range order {
		table := model.TableSummary{Name: name, Columns: columns[name]}
		if est, ok := estimates[name]; ok && est >= 0 {
			table.RowEstimate = &est
		}
		snapshot.Tables = append(snapshot.Tables, table)
	}
	return snapshot, nil
}

func (c *pgConnector) query(ctx context.Context, sqlText string) (queryResult, error) {
	lim := c.lim.normalized()

	// The context deadline backstops statement_timeout in case the server
	// never gets a chance to enforce it.
	ctx, cancel := context.WithTimeout(ctx, lim.timeout+time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return queryResult{}, failf(FailConnectionError, "connect: %v", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return queryResult{}, classifyPG(err, lim.timeout)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", lim.timeout.Milliseconds())); err != nil {
		return queryResult{}, classifyPG(err, lim.timeout)
	}

	rows, err := tx.Query(ctx, sqlText)
	if err != nil {
		return queryResult{}, classifyPG(err, lim.timeout)
	}
	defer rows.Close()

	var res queryResult
	for _, fd := range rows.FieldDescriptions() {
		res.columns = append(res.columns, fd.Name)
	}
	for rows.Next() {
		if len(res.rows) >= lim.maxRows {
			res.truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return queryResult{}, classifyPG(err, lim.timeout)
		}
		res.rows = append(res.rows, normalizeRow(vals))
	}
	rows.Close()
	if err := rows.Err(); err != nil && !res.truncated {
		return queryResult{}, classifyPG(err, lim.timeout)
	}
	return res, nil
}

func classifyPG(err error, timeout time.Duration) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "57014" {
			return failf(FailExecutionTimeout, "statement timed out after %s", timeout)
		}
		return failf(FailExecutionError, "%s", strings.TrimSpace(pgErr.Message))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failf(FailExecutionTimeout, "statement timed out after %s", timeout)
	}
	return failf(FailExecutionError, "%v", err)
}

// normalizeRow flattens pgx-native values into JSON-friendly ones.
func normalizeRow(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case [16]byte:
			out[i] = uuid.UUID(t).String()
		case pgtype.UUID:
			if t.Valid {
				out[i] = uuid.UUID(t.Bytes).String()
			}
		case pgtype.Numeric:
			if f, err := t.Float64Value(); err == nil && f.Valid {
				out[i] = f.Float64
			}
		case []byte:
			out[i] = string(t)
		default:
			out[i] = v
		}
	}
	return out
}

type sqliteConnector struct {
	path string
	lim  execLimits
}

// open returns a read-only handle. Plain paths get a file: scheme and a
// mode=ro parameter so a generated statement can never write even if the
// validator misses something.
func (c *sqliteConnector) open(ctx context.Context) (*sql.DB, error) {
	dsn := c.path
	if dsn != ":memory:" {
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		if !strings.Contains(dsn, "mode=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "mode=ro"
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, failf(FailConnectionError, "open: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, failf(FailConnectionError, "open: %v", err)
	}
	return db, nil
}

func (c *sqliteConnector) introspect(ctx context.Context) (model.SchemaSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := c.open(ctx)
	if err != nil {
		return model.SchemaSnapshot{}, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return model.SchemaSnapshot{}, classifySQLite(ctx, err, connectTimeout)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return model.SchemaSnapshot{}, classifySQLite(ctx, err, connectTimeout)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.SchemaSnapshot{}, classifySQLite(ctx, err, connectTimeout)
	}

	snapshot := model.SchemaSnapshot{CapturedAt: time.Now().UTC()}
	for _, name := range names {
		table := model.TableSummary{Name: name}
		cols, err := db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, name)
		if err != nil {
			return model.SchemaSnapshot{}, classifySQLite(ctx, err, connectTimeout)
		}
		for cols.Next() {
			var colName, colType string
			if err := cols.Scan(&colName, &colType); err != nil {
				cols.Close()
				return model.SchemaSnapshot{}, classifySQLite(ctx, err, connectTimeout)
			}
			table.Columns = append(table.Columns, model.ColumnSummary{Name: colName, Type: colType})
		}
		cols.Close()
		if err := cols.Err(); err != nil {
			return model.SchemaSnapshot{}, classifySQLite(ctx, err, connectTimeout)
		}

		var count int64
		quoted := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoted).Scan(&count); err == nil {
			table.RowEstimate = &count
		}
		snapshot.Tables = append(snapshot.Tables, table)
	}
	return snapshot, nil
}

func (c *sqliteConnector) query(ctx context.Context, sqlText string) (queryResult, error) {
	lim := c.lim.normalized()
	ctx, cancel := context.WithTimeout(ctx, lim.timeout)
	defer cancel()

	db, err := c.open(ctx)
	if err != nil {
		return queryResult{}, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return queryResult{}, classifySQLite(ctx, err, lim.timeout)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return queryResult{}, classifySQLite(ctx, err, lim.timeout)
	}
	res := queryResult{columns: cols}
	for rows.Next() {
		if len(res.rows) >= lim.maxRows {
			res.truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return queryResult{}, classifySQLite(ctx, err, lim.timeout)
		}
		res.rows = append(res.rows, normalizeRow(vals))
	}
	rows.Close()
	if err := rows.Err(); err != nil && !res.truncated {
		return queryResult{}, classifySQLite(ctx, err, lim.timeout)
	}
	return res, nil
}

func classifySQLite(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failf(FailExecutionTimeout, "statement timed out after %s", timeout)
	}
	return failf(FailExecutionError, "%v", err)
}
