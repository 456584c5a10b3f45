// Package kvstore is the thin shared key-value layer behind the permission
// cache, the replay ledger and the anomaly detector.
//
// Store exposes only the primitives those components need (get/set with TTL,
// conditional insert, counters, sets, sorted sets, bounded scans). Errors from
// the backing server are wrapped with ErrUnavailable so each caller can apply
// its own failure policy: the permission cache treats them as a miss, the
// replay ledger treats them as "already used".
package kvstore
