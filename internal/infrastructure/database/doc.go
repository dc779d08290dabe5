// Package database provides SQLite connectivity for the onionwarden run journal.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Schema migrations read from any fs.FS (normally the embedded
//     migrations package)
//   - Small transaction helpers
//
// The file is created with 0600 permissions inside the data root.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.DatabasePath(), WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
