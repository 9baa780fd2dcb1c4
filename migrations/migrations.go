// Package migrations embeds the PostgreSQL schema so cmd/migrate works from
// any directory.
package migrations

import "embed"

// FS holds every *.up.sql file, applied in filename order.
//
//go:embed *.up.sql
var FS embed.FS
