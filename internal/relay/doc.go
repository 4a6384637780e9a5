// Package relay assembles the fold-relay pipeline.
//
// Fragments from a MessageSource enter the debounce aggregator. Each flushed
// window becomes one generated reply, which the delivery scheduler splits
// into chunk jobs on the durable queue. The worker pool drains the queue
// through the Sender, one job per conversation at a time.
//
//	source -> aggregator -> generator -> scheduler -> queue -> workers -> sender
//
// Relay also implements api.Operations, so the operator API can list and
// resolve failures, requeue stalled jobs and close conversations. Every
// pipeline event is logged and fanned out through an events.Broadcaster.
package relay
