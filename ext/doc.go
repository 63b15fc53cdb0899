// Package ext defines the extension system for batch.
//
// Extensions are notified of lease lifecycle events and can react to them
// by recording metrics or writing audit logs. Each lifecycle hook is a
// separate interface so extensions opt in only to the events they care
// about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobFatal(ctx context.Context, j *job.Job) error {
//	    log.Printf("job %s failed for good after %d attempts", j.ID, j.ExecutionAttempts)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobCreated]: the engine persisted a new job
//   - [JobClaimed]: a lease was granted
//   - [JobUpdated]: a holder merged new state
//   - [JobFreed]: a holder released its lease
//   - [JobRetrying]: the job is back in RETRY
//   - [JobFatal]: the job ran out of attempts or failed permanently
//   - [JobAborted]: an operator cancelled the job
//   - [JobExecuted]: an in-process handler returned
//
// # Other Hooks
//
//   - [LoadRefreshed]: the partner load ledger was reconciled
//   - [Shutdown]: the service is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. [Registry.LeaseHooks] adapts
// the registry to the lease manager's hook sink.
package ext
