package repository

import (
	"embed"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations of the bulk worker in the order they must be applied.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}
