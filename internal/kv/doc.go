// Package kv is an in-memory, ordered key-value store that implements
// txn.Resource. Each transaction opens an isolation.Session, so reads and
// writes follow the locking discipline of the requested isolation level.
//
// Writes are buffered per transaction and applied on commit. Uncommitted
// writes are also published so that read-uncommitted sessions can see them.
package kv
