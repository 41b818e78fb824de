// Package txn implements declarative transaction boundaries: a Manager that
// runs closures under one of six propagation modes against an abstract
// Resource, using an explicit, goroutine-confined Context as the stack of
// active transaction records.
//
// A Context is never shared between goroutines and is never carried across an
// asynchronous dispatch. Work started on another goroutine begins with an
// empty Context, so Mandatory fails there and Required begins a new record.
package txn
