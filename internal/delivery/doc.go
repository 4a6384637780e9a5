// Package delivery schedules the chunks of a generated response as ordered,
// delayed jobs and runs the worker pool that sends them.
//
// Jobs of one conversation are delivered strictly in sequence. A job that
// exhausts its attempts stays at the head of its conversation's line and
// blocks the chunks behind it until an operator retries or skips it.
package delivery
