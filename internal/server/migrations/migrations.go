// Package migrations embeds the goose SQL migrations. The statements are
// kept portable between PostgreSQL and SQLite.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
