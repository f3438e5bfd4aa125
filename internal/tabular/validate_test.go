package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidhq/braid/internal/model"
)

func salesSnapshot() *model.SchemaSnapshot {
	return &model.SchemaSnapshot{Tables: []model.TableSummary{
		{Name: "orders", Columns: []model.ColumnSummary{
			{Name: "id", Type: "integer"},
			{Name: "customer_id", Type: "integer"},
			{Name: "region", Type: "text"},
			{Name: "amount", Type: "numeric"},
			{Name: "created_at", Type: "timestamptz"},
		}},
		{Name: "customers", Columns: []model.ColumnSummary{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "text"},
		}},
	}}
}

func TestValidateStatementAccepts(t *testing.T) {
	cases := map[string]string{
		"simple":           `SELECT * FROM orders`,
		"lowercase":        `select region, sum(amount) from orders group by region`,
		"trailing semi":    `SELECT * FROM orders;`,
		"mixed case table": `SELECT * FROM Orders`,
		"quoted table":     `SELECT * FROM "orders"`,
		"qualified":        `SELECT * FROM public.orders`,
		"alias":            `SELECT o.region FROM orders o WHERE o.amount > 10`,
		"as alias":         `SELECT o.region FROM orders AS o`,
		"join":             `SELECT * FROM orders o JOIN customers c ON c.id = o.customer_id`,
		"left join":        `SELECT * FROM orders LEFT JOIN customers ON customers.id = orders.customer_id`,
		"comma list":       `SELECT * FROM orders, customers WHERE customers.id = orders.customer_id`,
		"cte":              `WITH t AS (SELECT region FROM orders) SELECT * FROM t`,
		"recursive cte":    `WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r WHERE n < 10) SELECT * FROM r`,
		"derived table":    `SELECT x.n FROM (SELECT count(*) AS n FROM orders) x`,
		"no from":          `SELECT 1 + 1`,
		"string literal":   `SELECT * FROM orders WHERE region = 'x; DROP TABLE orders'`,
		"quoted keyword":   `SELECT "delete" FROM orders`,
		"line comment":     `SELECT * FROM orders -- WHERE region = 'west'`,
		"block comment":    `SELECT * /* all columns */ FROM orders`,
		"extract":          `SELECT EXTRACT(year FROM created_at), count(*) FROM orders GROUP BY 1`,
		"is distinct from": `SELECT * FROM orders WHERE region IS DISTINCT FROM 'west'`,
		"escaped quote":    `SELECT * FROM orders WHERE region = 'o''brien'`,
		"union":            `SELECT region FROM orders UNION SELECT name FROM customers`,
		"order limit":      `SELECT region FROM orders ORDER BY amount DESC LIMIT 5`,
	}
	for name, stmt := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, validateStatement(stmt, salesSnapshot()))
		})
	}
}

func TestValidateStatementRejects(t *testing.T) {
	cases := map[string]struct {
		stmt   string
		reason string
	}{
		"delete":           {`DELETE FROM orders`, "must be a SELECT"},
		"insert":           {`INSERT INTO orders (region) VALUES ('x')`, "must be a SELECT"},
		"update in select": {`SELECT id FROM orders FOR UPDATE`, "keyword UPDATE"},
		"select into":      {`SELECT * INTO backup FROM orders`, "keyword INTO"},
		"cte hiding write": {`WITH t AS (SELECT 1) DELETE FROM orders`, "keyword DELETE"},
		"multi statement":  {`SELECT * FROM orders; DROP TABLE orders`, "multiple statements"},
		"double semicolon": {`SELECT 1;;`, "multiple statements"},
		"unknown table":    {`SELECT * FROM invoices`, `unknown table "invoices"`},
		"unknown in join":  {`SELECT * FROM orders JOIN invoices ON invoices.id = orders.id`, `unknown table "invoices"`},
		"unknown derived":  {`SELECT * FROM (SELECT * FROM invoices) x`, `unknown table "invoices"`},
		"table function":   {`SELECT * FROM generate_series(1, 1000000)`, `unknown table "generate_series"`},
		"pragma":           {`SELECT * FROM orders WHERE pragma = 1`, "keyword PRAGMA"},
		"empty":            {``, "empty statement"},
		"whitespace":       {`   `, "empty statement"},
		"unterminated":     {`SELECT 'oops FROM orders`, "unterminated string"},
		"dollar quoting":   {`SELECT $$x$$`, "unsupported character"},
		"backtick":         {"SELECT `region` FROM orders", "unsupported character"},
		"not a statement":  {`EXPLAIN SELECT * FROM orders`, "must be a SELECT"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := validateStatement(tc.stmt, salesSnapshot())
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.reason)
		})
	}
}

func TestValidateStatementNilSnapshot(t *testing.T) {
	assert.NoError(t, validateStatement(`SELECT 1`, nil))
	assert.ErrorContains(t, validateStatement(`SELECT * FROM orders`, nil), "unknown table")
}

func TestEnsureLimit(t *testing.T) {
	assert.Equal(t, "SELECT * FROM orders LIMIT 1000", ensureLimit("SELECT * FROM orders", 1000))
	assert.Equal(t, "SELECT * FROM orders LIMIT 1000", ensureLimit("SELECT * FROM orders;", 1000))
	assert.Equal(t, "SELECT * FROM orders LIMIT 5", ensureLimit("SELECT * FROM orders LIMIT 5", 1000))
	assert.Equal(t, "SELECT * FROM orders FETCH FIRST 5 ROWS ONLY", ensureLimit("SELECT * FROM orders FETCH FIRST 5 ROWS ONLY", 1000))
}

func TestExtractSQL(t *testing.T) {
	t.Run("bare", func(t *testing.T) {
		got, ok := extractSQL("SELECT 1")
		require.True(t, ok)
		assert.Equal(t, "SELECT 1", got)
	})
	t.Run("fenced", func(t *testing.T) {
		got, ok := extractSQL("Here you go:\n```sql\nSELECT region FROM orders;\n```\nLet me know if you need more.")
		require.True(t, ok)
		assert.Equal(t, "SELECT region FROM orders;", got)
	})
	t.Run("fenced no language", func(t *testing.T) {
		got, ok := extractSQL("```\nSELECT 1\n```")
		require.True(t, ok)
		assert.Equal(t, "SELECT 1", got)
	})
	t.Run("prose around", func(t *testing.T) {
		got, ok := extractSQL("Sure! SELECT * FROM orders; hope that helps")
		require.True(t, ok)
		assert.Equal(t, "SELECT * FROM orders;", got)
	})
	t.Run("cte", func(t *testing.T) {
		got, ok := extractSQL("WITH t AS (SELECT 1) SELECT * FROM t")
		require.True(t, ok)
		assert.Equal(t, "WITH t AS (SELECT 1) SELECT * FROM t", got)
	})
	t.Run("semicolon in literal survives", func(t *testing.T) {
		got, ok := extractSQL("SELECT * FROM orders WHERE region = 'a;b'")
		require.True(t, ok)
		assert.Equal(t, "SELECT * FROM orders WHERE region = 'a;b'", got)
	})
	t.Run("refusal", func(t *testing.T) {
		_, ok := extractSQL("I cannot answer that question from this database.")
		assert.False(t, ok)
	})
	t.Run("refusal containing with", func(t *testing.T) {
		_, ok := extractSQL("I cannot help with that request.")
		assert.False(t, ok)
	})
	t.Run("empty", func(t *testing.T) {
		_, ok := extractSQL("")
		assert.False(t, ok)
	})
}
