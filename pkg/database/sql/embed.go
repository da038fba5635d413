// Package sql embeds the Postgres schema and seed files applied on boot
// when DB_AUTO_MIGRATE is set.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
//go:embed seeds/*.sql
var Content embed.FS
