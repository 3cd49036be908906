// Package database provides the SQLite connection used for event history.
//
// This package manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Versioned migrations read from an fs.FS (normally the embedded
//     migrations package)
//
// Migration files are named YYYYMMDD_HHMMSS_name.up.sql with an optional
// matching .down.sql. Migrations are additive: new columns must be
// nullable or carry a default.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
