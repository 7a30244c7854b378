// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. Suitable for embedded and edge
// deployments, CLI tools, and single-node schedulers.
//
// Each record is stored as a JSON document next to the columns the store
// filters and orders by. Lease columns are owned by AcquireThreadLease and
// ReleaseThreadLease and never rewritten by UpdateThread.
//
//	s, err := sqlite.Open("tempo.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
package sqlite
