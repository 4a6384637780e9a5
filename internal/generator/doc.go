// Package generator provides the response generators the aggregator calls
// when a conversation's window flushes.
//
// OpenAI talks to any OpenAI-compatible chat completion endpoint. Gateway
// forwards the combined turn to a coven gateway agent and collects the
// streamed reply. Both report failures as errors and never retry; the
// aggregator surfaces them as aggregation errors.
package generator
