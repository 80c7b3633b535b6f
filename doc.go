// Package homestore is a block-addressed storage engine that layers a
// persistent, crash-consistent B-tree index (package btree) over a set of
// logical log streams multiplexed on a shared log device (package logstore).
//
// The root package holds the shared primitives: structured logging setup,
// the engine error type, bounded retry, a task runner and request identifiers.
package homestore
