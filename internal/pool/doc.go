// Package pool provides a bounded worker pool with a fixed set of core
// workers, elastic overflow workers up to a maximum, a bounded FIFO queue and
// a pluggable rejection policy for saturation.
//
// Submission order of precedence: hand the task to an idle worker, else queue
// it, else start an overflow worker, else apply the rejection policy. The pool
// only grows past its core size once the queue is full.
package pool
