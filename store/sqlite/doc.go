// Package sqlite implements store.Store using the grove ORM with SQLite
// dialect. Suitable for embedded/edge deployments, CLI tools, and standalone
// applications. Timestamps are stored as unix nanoseconds.
//
// The caller owns the *grove.DB lifecycle -- sqlite never closes it. Pass the
// db handle through the constructor:
//
//	import (
//	    "github.com/xraph/grove"
//	    "github.com/xraph/batch/store/sqlite"
//	)
//
//	db, _ := grove.Open(ctx, "sqlite", dsn)
//	store := sqlite.New(db)
//	store.Migrate(ctx)
package sqlite
