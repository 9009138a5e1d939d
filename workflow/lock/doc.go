// Package lock provides exclusive, FIFO-queued resource locks for workflow
// steps. Locks carry a TTL: a holder that stops renewing loses the lock and
// the next waiter is granted. Every operation is atomic under one mutex.
package lock
