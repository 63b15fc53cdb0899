// Package engine wires the batch subsystems together and provides the
// transport-agnostic lease API used by the HTTP handlers, the DWP RPC
// server, and in-process worker pools.
//
// # Building an Engine
//
//	d, err := batch.New(
//	    batch.WithStore(pgStore),
//	    batch.WithSchedulerID(7),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithExtension(audithook.New(recorder)),
//	    engine.WithBackoff(backoff.DefaultStrategy()),
//	    engine.WithPartnerConfig(queue.PartnerConfig{
//	        JobType:        "convert",
//	        PartnerID:      42,
//	        MaxConcurrency: 4,
//	    }),
//	)
//
// # Registering Job Types
//
//	// Executed in process by a worker pool.
//	engine.Register(eng, Convert)
//
//	// Executed by remote batch processes only.
//	eng.RegisterType("import", job.WithMaxAttempts(5))
//
// # Claiming and Settling
//
//	key := job.LockKey{SchedulerID: 7, WorkerID: 1, BatchIndex: 0}
//	jobs, err := eng.ClaimJobs(ctx, key, 10*time.Minute, 5, job.Filter{}, "convert")
//	// ... do the work ...
//	res, err := eng.FreeJob(ctx, jobs[0].ID, key, "convert", false,
//	    lease.WithStatus(job.StatusFinished))
//
// Background maintenance (lease expiration and the partner load refresh)
// runs on the elected leader once Start is called.
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the in-process execution chain
//   - [WithBackoff]: set the delay before RETRY jobs are claimable
//   - [WithQueueConfig], [WithPartnerConfig]: claim rate limits and live lease ceilings
//   - [WithPartnerWeight]: scale a partner's weighted load
//   - [WithWorkerPool]: run an in-process batch process
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
//   - [WithMetricFactory]: the go-utils metrics factory
package engine
