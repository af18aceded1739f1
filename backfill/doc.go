// Package backfill imports historical CSV data through the same event path
// as live webhooks.
//
// Rows are read in batches. After every batch the job checkpoint records the
// last row whose side effects are durable, so a crashed or paused job resumes
// without skipping rows and redoes at most one batch. Redone rows carry the
// same delivery ids and are absorbed by the idempotency tracker.
package backfill
