// Package async provides panic-safe background execution.
//
// SafeGo runs a single detached task with a timeout. Runner adds an
// in-flight limit and Wait/Shutdown so request paths can fire work (such as
// populating the permission cache after an authority lookup) without
// unbounded goroutine growth. Batch fans a slice out over a bounded
// errgroup and collects every error.
package async
