// Package relayhook bridges batch lease lifecycle events to Relay for
// webhook delivery. When registered as an extension, it emits typed
// webhook events (batch.lease.claimed, batch.job.fatal, etc.) at every
// lifecycle point. Job events are sent with the job's partner as the
// Relay tenant.
//
// Usage:
//
//	r, _ := relay.New(relay.WithStore(store))
//	relayhook.RegisterAll(ctx, r)
//
//	hook := relayhook.New(r)
//	engine.WithExtension(hook)
//
// To restrict which events are emitted:
//
//	hook := relayhook.New(r,
//	    relayhook.WithEvents(
//	        relayhook.EventJobFatal,
//	        relayhook.EventJobAborted,
//	    ),
//	)
package relayhook
