package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobCreated    = "job.created"
	ActionJobClaimed    = "job.claimed"
	ActionJobUpdated    = "job.updated"
	ActionJobFreed      = "job.freed"
	ActionJobRetrying   = "job.retrying"
	ActionJobFatal      = "job.fatal"
	ActionJobAborted    = "job.aborted"
	ActionLoadRefreshed = "load.refreshed"
)

// Audit event categories group related actions.
const (
	CategoryJob   = "batch.job"
	CategoryLease = "batch.lease"
	CategoryLoad  = "batch.load"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob         = "job"
	ResourcePartnerLoad = "partner_load"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobCreated,
		ActionJobClaimed,
		ActionJobUpdated,
		ActionJobFreed,
		ActionJobRetrying,
		ActionJobFatal,
		ActionJobAborted,
		ActionLoadRefreshed,
	}
}
