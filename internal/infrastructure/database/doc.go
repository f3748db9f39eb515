// Package database provides the SQLite connection behind the bridge journal.
//
// It manages:
//   - the connection, with WAL mode and a busy timeout for concurrent readers
//   - schema migrations loaded from any fs.FS (the migrations package embeds them)
//   - health checks for the status API
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
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
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql and are
// additive only.
package database
