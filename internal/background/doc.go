// Package background supervises long-running invocations outside the chat turn.
//
// # Overview
//
// Some capabilities (report generation, media rendering) routinely outlive
// the request that triggered them. The Supervisor runs those invocations on
// a bounded worker pool, retries failures with exponential backoff, and
// delivers the eventual outcome through a callback instead of a return
// value — by the time the job finishes, the chat turn that requested it has
// long since returned.
//
// # Retry Policy
//
// Each job gets up to three attempts. After a failed attempt n the
// supervisor sleeps base*2^n before the next one (10s, 20s with the default
// 5s base).
//
// # Timeout Survival
//
// A provider's acknowledgment and its side effect are not transactionally
// coupled: the call can time out while the work completes anyway. When a
// failure looks like a transport timeout, the supervisor waits a grace
// period and scans the artifact directory for a file matching the job's
// hint that appeared after the attempt started. A match counts as success.
// This is best effort — an artifact landing after the grace window is
// picked up by a later attempt or not at all.
//
// # Delivery
//
// Outcomes arrive through the Delivery interface exactly once per job:
// Delivered on success (with an artifact path when one was recovered),
// Failed after the retry budget is exhausted. The Failed path is the only
// place in the system where a permanent failure reaches the user verbatim.
package background
