// ABOUTME: Conversation key and inbound fragment types shared by the relay pipeline
// ABOUTME: Keys scope every buffer, job and chunk sequence to a tenant and conversation

package conv

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidKey is returned when a conversation key cannot be parsed or is incomplete.
var ErrInvalidKey = errors.New("invalid conversation key")

// Key identifies a conversation within a tenant.
type Key struct {
	TenantID       string
	ConversationID string
}

// NewKey builds a key and validates it.
func NewKey(tenantID, conversationID string) (Key, error) {
	k := Key{TenantID: tenantID, ConversationID: conversationID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// String renders the key as "tenant:conversation". Conversation IDs may
// themselves contain colons (Matrix room IDs do), tenant IDs may not.
func (k Key) String() string {
	return k.TenantID + ":" + k.ConversationID
}

// Validate reports whether both halves are present and the tenant is colon free.
func (k Key) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidKey)
	}
	if strings.Contains(k.TenantID, ":") {
		return fmt.Errorf("%w: tenant %q contains ':'", ErrInvalidKey, k.TenantID)
	}
	if k.ConversationID == "" {
		return fmt.Errorf("%w: conversation is required", ErrInvalidKey)
	}
	return nil
}

// ParseKey is the inverse of Key.String. It splits on the first colon.
func ParseKey(s string) (Key, error) {
	tenant, conversation, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q has no tenant separator", ErrInvalidKey, s)
	}
	return NewKey(tenant, conversation)
}

// FragmentKind describes what an inbound fragment carried on the transport.
type FragmentKind string

const (
	KindText  FragmentKind = "text"
	KindAudio FragmentKind = "audio"
	KindImage FragmentKind = "image"
)

// Fragment is a single inbound message buffered until its window flushes.
// Fragments are immutable once appended.
type Fragment struct {
	ID         string
	Key        Key
	Kind       FragmentKind
	Text       string
	Caption    string
	ReceivedAt time.Time
}

// Render returns the text contributed by the fragment to the combined turn.
// Audio fragments carry a transcript (or file name) in Text; images carry an
// optional caption.
func (f Fragment) Render() string {
	switch f.Kind {
	case KindAudio:
		text := strings.TrimSpace(f.Text)
		if text == "" {
			return "[Audio]"
		}
		return "[Audio]: " + text
	case KindImage:
		caption := strings.TrimSpace(f.Caption)
		if caption == "" {
			return "[Image]"
		}
		return "[Image]: " + caption
	default:
		return strings.TrimSpace(f.Text)
	}
}
