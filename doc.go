// Package batch provides an exclusive job-lease and scheduling engine for
// distributed batch processing. Independent batch processes claim jobs from a
// shared store, execute them out of band, and report back through update and
// free calls that are validated against the exact lease they hold.
//
// Batch is designed as a library. Import it, configure a store, register job
// types, and either run worker pools in process or serve the lease operations
// to remote batch processes over HTTP or the DWP WebSocket protocol.
//
// # Quick Start
//
//	d, err := batch.New(
//	    batch.WithStore(pgStore),
//	    batch.WithSchedulerID(7),
//	)
//	eng, err := engine.Build(d)
//	jobs, err := eng.ClaimJobs(ctx, job.LockKey{SchedulerID: 7, WorkerID: 1, BatchIndex: 0},
//	    10*time.Minute, 5, job.Filter{}, "convert")
//
// # Architecture
//
// Mutual exclusion is a single conditional write against the store. No
// distributed lock service is involved. Every backend (memory, postgres,
// sqlite, redis, mongo) implements the same composite store interface.
//
// Partner fairness is driven by a load ledger that is recomputed
// periodically from live leases and read by the queue selector.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package batch
