package relayhook

import (
	"context"

	"github.com/xraph/relay"
	"github.com/xraph/relay/catalog"
)

// Batch lifecycle event types. Each constant maps to one ext lifecycle
// hook and is used as the event.Event.Type when sending via Relay.
const (
	EventJobCreated    = "batch.job.created"
	EventLeaseClaimed  = "batch.lease.claimed"
	EventLeaseUpdated  = "batch.lease.updated"
	EventLeaseFreed    = "batch.lease.freed"
	EventJobRetrying   = "batch.job.retrying"
	EventJobFatal      = "batch.job.fatal"
	EventJobAborted    = "batch.job.aborted"
	EventLoadRefreshed = "batch.load.refreshed"
)

const definitionVersion = "2026-01-01"

// AllDefinitions returns webhook definitions for every batch lifecycle
// event type. Pass these to relay.RegisterEventType to populate the catalog.
func AllDefinitions() []catalog.WebhookDefinition {
	return []catalog.WebhookDefinition{
		// ── Job events ──────────────────────────────────
		{
			Name:        EventJobCreated,
			Description: "Fired when a job is added for a partner.",
			Group:       "jobs",
			Version:     definitionVersion,
		},
		{
			Name:        EventJobRetrying,
			Description: "Fired when a job returns to RETRY after a release or an expired lease.",
			Group:       "jobs",
			Version:     definitionVersion,
		},
		{
			Name:        EventJobFatal,
			Description: "Fired when a job fails terminally.",
			Group:       "jobs",
			Version:     definitionVersion,
		},
		{
			Name:        EventJobAborted,
			Description: "Fired when an operator aborts a job.",
			Group:       "jobs",
			Version:     definitionVersion,
		},
		// ── Lease events ────────────────────────────────
		{
			Name:        EventLeaseClaimed,
			Description: "Fired when a batch process leases a job.",
			Group:       "leases",
			Version:     definitionVersion,
		},
		{
			Name:        EventLeaseUpdated,
			Description: "Fired when a lease holder records new job state.",
			Group:       "leases",
			Version:     definitionVersion,
		},
		{
			Name:        EventLeaseFreed,
			Description: "Fired when a lease holder releases its job.",
			Group:       "leases",
			Version:     definitionVersion,
		},
		// ── Partner load events ─────────────────────────
		{
			Name:        EventLoadRefreshed,
			Description: "Fired after the partner load ledger is reconciled with live leases.",
			Group:       "loads",
			Version:     definitionVersion,
		},
	}
}

// RegisterAll registers every batch webhook event type in the Relay
// catalog. Call it once during startup before sending events.
func RegisterAll(ctx context.Context, r *relay.Relay) error {
	for _, def := range AllDefinitions() {
		if _, err := r.RegisterEventType(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
