// Package job defines the job entity, its lock projection, the status
// state machine, typed definitions, and the store interface.
//
// # Job Entity
//
// A [Job] is a unit of work owned by a partner. It carries an opaque
// payload encoded by its type's [Codec] and moves through the statuses:
//
//	pending → processing → finished | fatal | aborted
//	pending → processing → retry → processing → ...
//	pending → processing → almost_done → processing → finished
//
// While processing, the job holds a [Lease] naming the [LockKey] of the
// execution slot that claimed it. Only a caller presenting that exact key
// may update or free the job before the lease expires.
//
// # Lock Projection
//
// [Lock] is the subset of fields candidate selection needs. Stores serve
// it without loading payloads.
//
// # Defining a Job Type
//
// Use [Definition] with a typed handler:
//
//	var Convert = job.NewDefinition("convert",
//	    func(ctx context.Context, in ConvertInput) error {
//	        return transcoder.Run(ctx, in.Source, in.Flavor)
//	    },
//	    job.WithMaxAttempts(5),
//	    job.WithMaxExecutionTime(30*time.Minute),
//	)
//
//	job.RegisterDefinition(registry, Convert)
//
// Types executed only by remote batch processes register with
// [Registry.RegisterType].
package job
