// Package events defines the observable events of the relay pipeline and an
// in-memory broadcaster that fans them out to operator subscribers.
package events
