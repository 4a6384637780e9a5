// ABOUTME: Tests for the Matrix source and sender
// ABOUTME: Uses hand-built events and an httptest homeserver

package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/fold-relay/internal/conv"
)

const (
	relayUser = "@relay:example.org"
	room      = "!ops:example.org"
)

var sentAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func message(sender, roomID string, content *event.MessageEventContent) *event.Event {
	evt := &event.Event{
		ID:        id.EventID("$evt1"),
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(roomID),
		Timestamp: sentAt.UnixMilli(),
		Type:      event.EventMessage,
	}
	if content != nil {
		evt.Content.Parsed = content
	}
	return evt
}

func TestSource_FragmentFromEvent(t *testing.T) {
	src := NewSource(nil, Options{Tenant: "acme", UserID: relayUser}, nil)

	tests := []struct {
		name   string
		evt    *event.Event
		wantOK bool
		want   conv.Fragment
	}{
		{
			name:   "text",
			evt:    message("@alice:example.org", room, &event.MessageEventContent{MsgType: event.MsgText, Body: "Hi"}),
			wantOK: true,
			want: conv.Fragment{
				ID:         "$evt1",
				Key:        conv.Key{TenantID: "acme", ConversationID: room},
				Kind:       conv.KindText,
				Text:       "Hi",
				ReceivedAt: sentAt,
			},
		},
		{
			name:   "image with caption",
			evt:    message("@alice:example.org", room, &event.MessageEventContent{MsgType: event.MsgImage, Body: "a cat", FileName: "cat.png"}),
			wantOK: true,
			want: conv.Fragment{
				ID:         "$evt1",
				Key:        conv.Key{TenantID: "acme", ConversationID: room},
				Kind:       conv.KindImage,
				Caption:    "a cat",
				ReceivedAt: sentAt,
			},
		},
		{
			name:   "audio without caption",
			evt:    message("@alice:example.org", room, &event.MessageEventContent{MsgType: event.MsgAudio, Body: "voice.ogg"}),
			wantOK: true,
			want: conv.Fragment{
				ID:         "$evt1",
				Key:        conv.Key{TenantID: "acme", ConversationID: room},
				Kind:       conv.KindAudio,
				ReceivedAt: sentAt,
			},
		},
		{
			name: "own message",
			evt:  message(relayUser, room, &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}),
		},
		{
			name: "empty text",
			evt:  message("@alice:example.org", room, &event.MessageEventContent{MsgType: event.MsgText}),
		},
		{
			name: "file",
			evt:  message("@alice:example.org", room, &event.MessageEventContent{MsgType: event.MsgFile, Body: "doc.pdf"}),
		},
		{
			name: "edit",
			evt: message("@alice:example.org", room, &event.MessageEventContent{
				MsgType:   event.MsgText,
				Body:      "* fixed",
				RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"},
			}),
		},
		{
			name: "unparsed content",
			evt:  message("@alice:example.org", room, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := src.fragmentFromEvent(tt.evt)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSource_Filters(t *testing.T) {
	src := NewSource(nil, Options{
		Tenant:       "acme",
		UserID:       relayUser,
		AllowedRooms: []string{room},
		AllowedUsers: []string{"@alice:example.org"},
	}, nil)
	text := func() *event.MessageEventContent {
		return &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}
	}

	_, ok := src.fragmentFromEvent(message("@alice:example.org", room, text()))
	assert.True(t, ok)

	_, ok = src.fragmentFromEvent(message("@alice:example.org", "!other:example.org", text()))
	assert.False(t, ok, "room not allowed")

	_, ok = src.fragmentFromEvent(message("@mallory:example.org", room, text()))
	assert.False(t, ok, "user not allowed")

	src.started = sentAt.Add(time.Minute)
	_, ok = src.fragmentFromEvent(message("@alice:example.org", room, text()))
	assert.False(t, ok, "history from before startup is ignored")
}

type homeserver struct {
	mu     sync.Mutex
	bodies []map[string]any
	paths  []string
	status int
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/send/m.room.message/") {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unexpected request"}`))
		return
	}
	if h.status != 0 {
		w.WriteHeader(h.status)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	h.bodies = append(h.bodies, body)
	h.paths = append(h.paths, r.URL.Path)
	_, _ = w.Write([]byte(`{"event_id":"$sent1"}`))
}

func newTestSender(t *testing.T, hs *homeserver, markdown bool) *Sender {
	t.Helper()
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, relayUser, "token", "DEVICE")
	require.NoError(t, err)
	return NewSender(client, markdown, nil)
}

func TestSender_SendPlainText(t *testing.T) {
	hs := &homeserver{}
	s := newTestSender(t, hs, false)

	eventID, err := s.Send(context.Background(), conv.Key{TenantID: "acme", ConversationID: room}, "**chunk 1**")
	require.NoError(t, err)
	assert.Equal(t, "$sent1", eventID)

	require.Len(t, hs.bodies, 1)
	assert.Contains(t, hs.paths[0], "/rooms/"+room+"/send/m.room.message/")
	assert.Equal(t, "m.text", hs.bodies[0]["msgtype"])
	assert.Equal(t, "**chunk 1**", hs.bodies[0]["body"])
	assert.NotContains(t, hs.bodies[0], "formatted_body")
}

func TestSender_SendMarkdown(t *testing.T) {
	hs := &homeserver{}
	s := newTestSender(t, hs, true)
	key := conv.Key{TenantID: "acme", ConversationID: room}

	_, err := s.Send(context.Background(), key, "some **bold** text")
	require.NoError(t, err)
	_, err = s.Send(context.Background(), key, "just words")
	require.NoError(t, err)

	require.Len(t, hs.bodies, 2)
	assert.Equal(t, "some **bold** text", hs.bodies[0]["body"], "plain body keeps the source text")
	assert.Equal(t, "org.matrix.custom.html", hs.bodies[0]["format"])
	assert.Equal(t, "<p>some <strong>bold</strong> text</p>", hs.bodies[0]["formatted_body"])
	assert.NotContains(t, hs.bodies[1], "formatted_body", "plain paragraphs need no HTML body")
}

func TestSender_SendError(t *testing.T) {
	hs := &homeserver{status: http.StatusForbidden}
	s := newTestSender(t, hs, false)

	_, err := s.Send(context.Background(), conv.Key{TenantID: "acme", ConversationID: room}, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), room)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "relay_matrix.org", slugify("@relay:matrix.org"))
	assert.Equal(t, "a-bc_d", slugify("@a-b/c_d"))
}

func TestDeviceChanged_NoDatabase(t *testing.T) {
	changed, err := deviceChanged(t.TempDir()+"/missing.db", "DEVICE")
	require.NoError(t, err)
	assert.False(t, changed)
}
