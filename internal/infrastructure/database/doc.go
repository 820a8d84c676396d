// Package database provides SQLite connectivity for the health journal.
//
// This package manages:
//   - Database connection with optional WAL mode
//   - Forward and rollback schema migrations read from an fs.FS
//   - Connection pool settings suited to a single SQLite writer
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named NNNN_description.up.sql with an optional
// matching NNNN_description.down.sql.
package database
