// Package queue provides an in-process keyed job queue with at-least-once
// delivery and a bounded retry policy.
//
// Jobs are routed onto a fixed number of lanes by an FNV-1a hash of their
// key. Each lane is a single goroutine consuming its FIFO, so jobs sharing a
// key are never handled concurrently and are handled in enqueue order.
// With one lane the queue is globally serialized: strict total order at the
// cost of throughput.
//
// A failing job is retried on the same lane after the policy's fixed
// backoff, which also delays the jobs queued behind it on that lane. Errors
// wrapped with Permanent skip the remaining attempts. Jobs that exhaust
// their attempts are logged and dropped.
package queue
