// Package enforcement guards operations with identity-bound authorization.
//
// An Interceptor runs, in order:
//
//  1. credential verification and identity extraction
//  2. snapshot lookup through a provider chain (cache, authority, claims)
//  3. policy evaluation, on the snapshot fast path after a cache hit
//  4. the replay check for one-time rules and the advisory anomaly check,
//     concurrently
//  5. the protected operation
//
// The permission cache fails open: store trouble becomes a miss and the
// authoritative source answers. The replay ledger fails closed: store trouble
// rejects the request. Anomaly findings never block unless the caller sets
// Config.BlockOnHighRisk.
//
// There are three ways to use it:
//
//	// procedural
//	d := interceptor.Authorize(ctx, req, rule)
//
//	// declarative
//	res := enforcement.Protect(ctx, interceptor, req, rule, func(ctx context.Context) (*Notice, error) {
//	    return notices.Publish(ctx, draft)
//	})
//
//	// HTTP
//	router.Handle("/notices", interceptor.Middleware(rule)(handler))
//
// Every decision carries per-step timings and the total latency, which are
// also reported to the configured Recorders and to an OpenTelemetry span.
package enforcement
