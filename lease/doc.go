// Package lease implements exclusive job leases.
//
// A lease binds one job to one [job.LockKey] until it is freed, until an
// update moves the job to a terminal status, or until its expiration passes.
// Every state change is a single conditional write against [job.Store], so
// two callers racing for the same row can never both win.
//
// The Manager covers the full lease lifecycle:
//
//   - Claim and ClaimAlmostDone acquire leases on ranked candidates.
//   - Update merges a partial state while the lease is held.
//   - Free releases a lease and settles the job status.
//   - ResetExecutionAttempts zeroes the attempt counter of a held job.
//   - CleanExpired reclaims jobs whose holder disappeared.
//   - QueueSize reports outstanding work for a job type.
package lease
