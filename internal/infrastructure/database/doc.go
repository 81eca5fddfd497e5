// Package database opens the link's SQLite file and keeps its schema
// current. The file holds three tables: the device registry, the
// per-device state history and the command audit trail.
//
// Open enables WAL journaling and foreign keys and restricts the file to
// its owner. Migrate applies the embedded migrations in version order,
// each inside its own transaction; HealthCheck fails while any are
// pending.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations only add: new columns are nullable or carry a default, so an
// older binary keeps working against a newer file.
package database
