// Package migrations embeds the capture schema for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
