// Package replay keeps a one-time-use ledger of token ids.
//
// Consume uses an atomic set-if-absent so two concurrent first uses of the
// same id cannot both succeed. The guard fails closed: when the ledger store
// cannot be reached the token is treated as already used.
package replay
