// Package migrations carries the Session Store schema. Importing it for
// side effects points database.Migrate at these files.
package migrations

import (
	"embed"

	"github.com/nerrad567/casa-relay/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
