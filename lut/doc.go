// Package lut implements lookup-table compaction for batches that need
// more resource handles than fit inline.
//
// # Table
//
// A [Table] is an append-only, authority-owned list of handles with a
// fixed membership cap. Extensions never reorder or remove members, so
// concurrent readers always observe a consistent prefix. After every
// extension a table must warm up for W scheduling epochs before a batch
// may reference it.
//
// # Resolver
//
// [Resolver.Bind] appends a thread's overflow handles into its bound
// tables, optionally allocating new tables when they are full.
// [Resolver.Resolve] carries up to K handles inline; beyond that it
// returns the fewest warm tables covering the handles, failing with
// [tempo.ErrTableNotReady] when a required table is still warming up or
// [tempo.ErrCapacityExceeded] when the inline residue does not fit.
package lut
