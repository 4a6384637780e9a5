// Package conv defines the conversation key and inbound fragment types that
// every stage of the relay pipeline is scoped by.
package conv
