// Package migrations holds the Postgres schema as numbered tern migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
