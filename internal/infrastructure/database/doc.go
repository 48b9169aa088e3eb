// Package database opens the SQLite file behind the durable Session Store
// and applies the embedded schema migrations.
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	err = db.Migrate(ctx)
//
// WAL mode lets reconciliation scans run alongside session writes.
package database
