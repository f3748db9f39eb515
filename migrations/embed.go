// Package migrations embeds the journal schema into the binary.
package migrations

import "embed"

//go:embed *.up.sql
var files embed.FS

// FS holds the *.up.sql files at its root.
var FS = files
