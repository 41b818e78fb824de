// Package isolation translates transaction isolation levels into a locking
// discipline and provides the lock controller that resources use to apply it.
//
// A Session is the lock owner for one transaction record. Shared row locks,
// exclusive row locks and predicate range locks are tracked by a Controller
// and released either at statement end or at transaction end, depending on
// the Discipline of the session's Level.
package isolation
