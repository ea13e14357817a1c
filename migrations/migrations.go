// Package migrations embeds the SQL schema of the stock ledger.
package migrations

import "embed"

// FS holds the up and down migrations, named <version>_<name>.{up,down}.sql
//
//go:embed *.sql
var FS embed.FS
