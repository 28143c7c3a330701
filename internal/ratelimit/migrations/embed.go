// Package migrations embeds the SQL schema for the SQLite rate-limit store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
