// Package migrations embeds the SQL schema migrations of the profile database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
