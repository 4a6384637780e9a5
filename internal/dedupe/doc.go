// Package dedupe remembers inbound fragment IDs for a bounded time so that
// events redelivered by a transport (after a reconnect or a sync replay) are
// not buffered twice.
package dedupe
