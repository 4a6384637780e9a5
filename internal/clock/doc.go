// Package clock abstracts time so that debounce windows, delivery schedules
// and retry backoff can be driven deterministically in tests.
//
// Production code uses Real. Tests use Fake and call Advance to move time
// forward; due callbacks run synchronously inside Advance.
package clock
