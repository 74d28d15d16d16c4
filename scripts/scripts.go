// Package scripts ships the SQL migrations inside the binary.
package scripts

import "embed"

// Migrations holds migrations/{version}_{description}.{up,down}.sql.
//
//go:embed migrations/*.sql
var Migrations embed.FS
