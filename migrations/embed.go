// Package migrations compiles the schema files into the binary. Importing
// it for side effects hands them to the database package.
package migrations

import (
	"embed"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS, database.MigrationsDir = files, "."
}
