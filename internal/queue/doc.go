// Package queue implements the outbound message queue.
//
// A single goroutine owns the buffer. Enqueue, Cancel, Pause and the other
// public methods send commands to it; processor attempts run on their own
// goroutines and report back through the same command channel, so the
// buffer, the in-flight counter and the statistics are never shared.
//
// Ordering: strictly descending priority, FIFO within a priority tier.
// At most Config.Concurrency attempts run at once and every attempt races a
// processing timeout. Failed attempts are retried after an exponential delay
// until MaxRetries is spent; then the message is marked failed, its error
// callback fires once, and it is kept for Config.FailedRetention.
//
// When a domain.Store is supplied every mutation schedules a JSON snapshot.
// Snapshot writes happen on a separate writer goroutine and only the latest
// snapshot is written; a slow store never blocks the queue.
package queue
