// ABOUTME: WindowStore holds the per-conversation buffers of inbound fragments
// ABOUTME: Each window owns at most one flush timer; Drain is an atomic read-and-clear

package debounce

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/conv"
)

// window is the mutable state of one aggregation cycle for a key.
type window struct {
	id        string
	fragments []conv.Fragment
	timer     clock.Timer
	openedAt  time.Time
	expiresAt time.Time
	fired     bool // flush timer ran; the flush owns the window now
}

// WindowStore is the shared store of open windows. It is safe for concurrent
// use. Append and Drain are atomic with respect to each other: a fragment is
// either part of the drained window or opens the next one, never both and
// never neither.
type WindowStore struct {
	mu      sync.Mutex
	windows map[conv.Key]*window
}

// NewWindowStore creates an empty store.
func NewWindowStore() *WindowStore {
	return &WindowStore{windows: make(map[conv.Key]*window)}
}

// AppendResult describes the window a fragment landed in.
type AppendResult struct {
	WindowID string
	Opened   bool // the fragment opened a new window
	Size     int  // fragments in the window after the append
}

// Append adds f to the window for f.Key. When it opens a new window, arm is
// called with the new window ID while the store lock is held and its timer
// becomes the window's single flush timer; arm must not call back into the
// store. The storage deadline is pushed out to expiresAt but never pulled in.
func (s *WindowStore) Append(f conv.Fragment, now, expiresAt time.Time, arm func(windowID string) clock.Timer) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[f.Key]
	if !ok {
		w = &window{
			id:        uuid.New().String(),
			openedAt:  now,
			expiresAt: expiresAt,
		}
		s.windows[f.Key] = w
		if arm != nil {
			w.timer = arm(w.id)
		}
	}

	w.fragments = append(w.fragments, f)
	if expiresAt.After(w.expiresAt) {
		w.expiresAt = expiresAt
	}

	return AppendResult{WindowID: w.id, Opened: !ok, Size: len(w.fragments)}
}

// MarkFired records that the flush timer of windowID has run. A fired
// window belongs to its pending flush and is no longer subject to Expire. It
// reports false when windowID is not the open window for key.
func (s *WindowStore) MarkFired(key conv.Key, windowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || w.id != windowID {
		return false
	}
	w.fired = true
	return true
}

// Drain removes the window for key and returns its fragments in arrival
// order, but only if the open window is the one identified by windowID. A
// timer that fires for a window that was already cancelled or replaced finds
// nothing to drain.
func (s *WindowStore) Drain(key conv.Key, windowID string) []conv.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || w.id != windowID {
		return nil
	}
	delete(s.windows, key)
	return w.fragments
}

// Cancel drops the window for key, stopping its flush timer. It returns the
// number of fragments discarded.
func (s *WindowStore) Cancel(key conv.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

func (s *WindowStore) cancelLocked(key conv.Key) int {
	w, ok := s.windows[key]
	if !ok {
		return 0
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(s.windows, key)
	return len(w.fragments)
}

// CancelAll drops every window and returns the number of fragments discarded.
func (s *WindowStore) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key := range s.windows {
		dropped += s.cancelLocked(key)
	}
	return dropped
}

// Expire drops windows whose storage deadline has passed and whose flush
// timer never ran. A fired window may outlive its deadline while its flush
// waits behind a slow generation for the same key; it is left alone.
func (s *WindowStore) Expire(now time.Time) []conv.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []conv.Key
	for key, w := range s.windows {
		if !w.fired && now.After(w.expiresAt) {
			s.cancelLocked(key)
			expired = append(expired, key)
		}
	}
	return expired
}

// Len returns the number of buffered fragments for key.
func (s *WindowStore) Len(key conv.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok {
		return len(w.fragments)
	}
	return 0
}

// Keys returns the keys with an open window.
func (s *WindowStore) Keys() []conv.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]conv.Key, 0, len(s.windows))
	for key := range s.windows {
		keys = append(keys, key)
	}
	return keys
}
