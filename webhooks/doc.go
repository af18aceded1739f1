// Package webhooks turns signed HTTP deliveries into processed events.
//
// A delivery is verified, deduplicated through the idempotency tracker and
// handed to the integration's event processor. Failures are counted against
// the retry ceiling; exhausted deliveries are parked in the dead letter
// queue. The same ProcessEvent path serves DLQ redrives and backfill rows.
package webhooks
