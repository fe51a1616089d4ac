// Package db holds the PostgreSQL schema migrations.
package db

import "embed"

// Migrations contains the versioned migration files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
