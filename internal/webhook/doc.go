// Package webhook delivers calculation.completed events to service-configured URLs.
//
// Delivery is fire-and-forget: Notify validates the target, applies a
// per-service sliding-window rate limit and hands the POST to an async.Pool.
// Failures are logged and never retried.
//
// Targets are checked by ValidateURL before any dial. Only http and https are
// accepted, and every address a hostname resolves to must be publicly
// routable. The same check runs again in the dialer so a DNS answer that
// changes between validation and connection cannot reach a private address.
package webhook
