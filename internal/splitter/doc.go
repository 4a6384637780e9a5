// Package splitter turns one generated response into an ordered list of
// chunks no longer (nominally) than a configured length, using a simple,
// word-preserving or sentence-preserving strategy.
package splitter
