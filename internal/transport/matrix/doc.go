// Package matrix connects the relay to Matrix rooms.
//
// Source turns m.room.message events into conversation fragments, one
// conversation per room, filed under a configured tenant. Sender posts
// delivered chunks back to the room and can attach an HTML rendering of
// markdown content. SetupEncryption enables end-to-end encryption through
// mautrix's crypto helper.
package matrix
