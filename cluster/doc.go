// Package cluster registers scheduler processes and elects the one that
// runs periodic maintenance.
//
// Every process running an engine registers itself as a [Worker] carrying
// its scheduler id, hostname, served job types, and slot count, and
// heartbeats while it runs. Processes whose heartbeat is older than the
// dead threshold are deregistered by the leader. Their leases are not
// touched: a dead process's jobs come back through lease expiry alone.
//
// # Leader Election
//
// One process at a time holds leadership through [Store.AcquireLeadership].
// Leadership expires after a TTL unless renewed. Only the leader runs the
// expiration reaper and the partner load refresh, so those sweeps do not
// duplicate work across a fleet. Both sweeps are idempotent, so a brief
// overlap during a leadership handover is harmless.
package cluster
