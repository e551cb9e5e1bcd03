// Package migrations embeds the PostgreSQL schema of the remote backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
