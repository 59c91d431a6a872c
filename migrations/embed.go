// Package migrations embeds the SQL schema migrations so the migrator and
// integration tests run without external files.
package migrations

import "embed"

// Files holds every versioned migration pair (NNN_name.up.sql / .down.sql).
//
//go:embed *.sql
var Files embed.FS
