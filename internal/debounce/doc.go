// Package debounce buffers inbound fragments per conversation and flushes
// each window once, a fixed debounce interval after its first fragment,
// handing the combined text to a response generator.
package debounce
