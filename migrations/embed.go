// Package migrations embeds the schema migration files so the server can
// apply them at startup regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order
// and tracked in schema_migrations.
//
//go:embed *.sql
var FS embed.FS
