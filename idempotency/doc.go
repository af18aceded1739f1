// Package idempotency decides whether a delivery should be processed.
//
// All coordination lives in the delivery store: a claim either creates the
// record or swaps an expired lease, so replicas sharing one database never
// hand the same delivery to two workers at once.
package idempotency
