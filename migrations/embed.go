// Package migrations embeds the SQL migrations of the health journal so the
// binary can create its schema without the files on disk.
package migrations

import "embed"

// FS holds every *.sql file of this directory at its root.
//
//go:embed *.sql
var FS embed.FS
