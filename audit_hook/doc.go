// Package audithook is a batch extension that bridges lease lifecycle
// events to an immutable audit trail backend such as Chronicle.
//
// Every lease hook emits a structured audit event through the [Recorder]
// interface. The extension assigns severity levels (info for normal
// operations, warning for retries and aborts, critical for fatal outcomes)
// and metadata such as the job type, partner, holder tuple, and attempts.
//
// # Usage with Chronicle
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return chronicle.Info(ctx, evt.Action, evt.Resource, evt.ResourceID).
//	        Category(evt.Category).
//	        Outcome(evt.Outcome).
//	        Record()
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFatal,
//	        audithook.ActionJobAborted,
//	    ),
//	)
package audithook
