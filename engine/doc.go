// Package engine wires all tempo subsystems together and provides the
// application-level entry point.
//
// # Building an Engine
//
//	st := postgres.New(pool)
//	eng, err := engine.Build(st, exec, chain.NewSystemClock(genesis, 400*time.Millisecond),
//	    engine.WithConfig(cfg),
//	    engine.WithQueues(queue.NewRedisProvider(rdb)),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(myMiddleware),
//	    engine.WithBackoff(backoff.NewEqualJitter(time.Second, time.Minute)),
//	)
//
// # Creating Threads
//
// Authorities manage threads, lookup tables and cranks through the signed
// admin service:
//
//	req, _ := signer.Sign(admin.OpCreateThread, params)
//	t, err := eng.Admin().CreateThread(ctx, req, params)
//
// # Running
//
//	eng.Start(ctx)      // poll every Config.PollInterval
//	defer eng.Stop(ctx) // wait for the in-flight poll
//
// Poll runs a single pass, which is how tests drive the engine against a
// chain.ManualClock.
//
// # Options
//
//   - [WithConfig]: scheduler, resolver and admin configuration
//   - [WithLogger]: structured logger shared by every subsystem
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the submit chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithQueues]: where cranks find their event queues
//   - [WithStateReader]: account reader for account triggers
//   - [WithThrottle]: per-authority rate limits on submission
//   - [WithWorkerID]: fix the scheduler's lease identity
//   - [WithStreamBroker]: publish lifecycle events to a stream.Broker
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
//
// # Inspection
//
// History, Stats and the store accessor back the wire protocol and the
// REST API.
package engine
