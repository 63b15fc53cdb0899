// Package queue ranks claim candidates and gates claim throughput.
//
// # Selector
//
// [Selector] reads a window of unleased lock rows and orders them:
//
//  1. RETRY rows before PENDING rows, bounding worst-case latency for
//     reclaimed work;
//  2. higher priority first;
//  3. partners with lower weighted load first, read from the partner
//     load ledger;
//  4. creation order within a partner, then job id.
//
// The order is advisory. Concurrent claimers walk the same ranking and the
// lease manager's conditional write decides who wins each row.
//
// ALMOST_DONE rows are served by [Selector.SelectAlmostDone], which skips
// the ledger entirely: those jobs await confirmation rather than compete
// for capacity.
//
// # Claim Gate
//
// [Manager] holds optional per job type and per partner claim limits: a
// token-bucket rate limiter (golang.org/x/time/rate) spent per process,
// and a ceiling on live leases that the lease manager checks against the
// store, so it holds across every node sharing that store:
//
//	gate := queue.NewManager(
//	    queue.Config{JobType: "convert", RateLimit: 50, RateBurst: 100},
//	)
//	gate.SetPartnerConfig(queue.PartnerConfig{
//	    JobType: "convert", PartnerID: 42, MaxConcurrency: 10,
//	})
//
// Job types without a [Config] have no limits.
package queue
