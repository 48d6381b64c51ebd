// Package outbox defines the durable notification queue: messages enqueued
// as a side effect of approval transitions and drained asynchronously with
// bounded retries.
//
// A message is never deleted. Delivery failures flip it to failed and bump
// the retry count; it stays eligible for re-selection while the count is
// below the configured budget and its NotBefore gate has passed. A message
// that exhausts the budget remains in the store as a permanent dead-letter
// record, excluded from every future drain unless an operator explicitly
// requeues it.
package outbox
