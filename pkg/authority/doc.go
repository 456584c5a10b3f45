// Package authority resolves subjects to permission snapshots from the
// system of record.
//
// PostgresDirectory reads the subject_roles table, StaticDirectory serves a
// fixed map for development and tests, and Deduplicated collapses concurrent
// lookups of the same subject.
package authority
