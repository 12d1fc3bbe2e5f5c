// Package db holds the embedded SQL migrations for the vouch schema.
package db

import "embed"

// MigrationFS embeds the SQL migration files. The migrate runner (and
// cmd/migrate) applies them with golang-migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
