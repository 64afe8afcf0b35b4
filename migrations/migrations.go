// Package migrations ships the PostgreSQL registry schema with the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
