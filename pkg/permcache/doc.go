// Package permcache caches per-subject permission snapshots in the shared
// key-value store with role-indexed bulk invalidation.
//
// Reads fail open: any store error is reported as a miss so the caller falls
// back to the authoritative source.
package permcache
