// Package migrations embeds the SQL schema of the session cache.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
