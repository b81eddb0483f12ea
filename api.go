// Package segmentz traces AWS Lambda invocations with X-Ray style segments.
//
// segmentz sits between a middleware pipeline and a tracing client. For every
// invocation it opens an invocation segment and a nested handler subsegment,
// publishes the trace context so instrumented clients attach to it, and closes
// both exactly once whether the handler succeeds, fails or panics.
//
// Core Components:.
//   - Tracer: Process-wide tracing client, segment factory and active slot.
//   - Segment: A unit of work, root or nested.
//   - Facade: Entrypoint or downstream-client middleware plus client capture.
//   - Collector: Buffers flushed segment documents for export.
//   - Emitter: Sends flushed documents to the X-Ray daemon.
//
// Basic Usage:.
//
//	facade, closeFn, err := segmentz.NewFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer closeFn()
//
//	client := segmentz.Capture(facade, &http.Client{})
//	lambda.Start(segmentz.Wrap(handler, facade.Middleware))
//
// Context Propagation:.
//
// The handler runs with a context carrying the handler subsegment. Captured
// clients use the segment in the request context and only fall back to the
// tracer's active segment when none is present. The trace header is also
// written to _X_AMZN_TRACE_ID for SDKs that read the environment.
//
// Concurrency:.
//
// The active segment slot is process-wide. Lambda serves one invocation per
// execution environment at a time, which is what the lifecycle assumes.
package segmentz
