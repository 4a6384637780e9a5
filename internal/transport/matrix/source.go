// ABOUTME: Matrix message source feeding inbound room messages into the relay
// ABOUTME: Converts m.room.message events into conversation fragments keyed by room

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/fold-relay/internal/conv"
)

// Options scope which messages a Source accepts.
type Options struct {
	// Tenant is the tenant every room key is filed under.
	Tenant string
	// UserID is the relay's own user. Its messages are ignored.
	UserID       string
	AllowedRooms []string
	AllowedUsers []string
}

// Source receives messages from Matrix rooms via /sync.
type Source struct {
	client *mautrix.Client
	opts   Options
	logger *slog.Logger

	// started drops history replayed by the initial sync.
	started time.Time
}

// NewClient creates a Matrix client authenticated with an access token.
func NewClient(homeserver, userID, accessToken, deviceID string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	client.DeviceID = id.DeviceID(deviceID)
	return client, nil
}

// NewSource creates a source reading from client.
func NewSource(client *mautrix.Client, opts Options, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client: client,
		opts:   opts,
		logger: logger.With("component", "matrix-source"),
	}
}

// Run syncs until ctx is cancelled, passing each accepted message to emit.
func (s *Source) Run(ctx context.Context, emit func(conv.Fragment)) error {
	s.started = time.Now()

	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		f, ok := s.fragmentFromEvent(evt)
		if !ok {
			return
		}
		s.logger.Debug("received message",
			"room", evt.RoomID.String(),
			"sender", evt.Sender.String(),
			"kind", f.Kind)
		emit(f)
	})

	s.logger.Info("connecting to matrix homeserver", "user_id", s.opts.UserID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- s.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("stopping matrix sync")
		s.client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// fragmentFromEvent converts evt into a fragment, reporting false for
// events the relay should not buffer.
func (s *Source) fragmentFromEvent(evt *event.Event) (conv.Fragment, bool) {
	if evt.Sender == id.UserID(s.opts.UserID) {
		return conv.Fragment{}, false
	}
	if !s.started.IsZero() && time.UnixMilli(evt.Timestamp).Before(s.started) {
		return conv.Fragment{}, false
	}
	if len(s.opts.AllowedRooms) > 0 && !slices.Contains(s.opts.AllowedRooms, evt.RoomID.String()) {
		return conv.Fragment{}, false
	}
	if len(s.opts.AllowedUsers) > 0 && !slices.Contains(s.opts.AllowedUsers, evt.Sender.String()) {
		return conv.Fragment{}, false
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return conv.Fragment{}, false
	}
	// Edits would repeat text already buffered.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return conv.Fragment{}, false
	}

	f := conv.Fragment{
		ID:         evt.ID.String(),
		Key:        conv.Key{TenantID: s.opts.Tenant, ConversationID: evt.RoomID.String()},
		ReceivedAt: time.UnixMilli(evt.Timestamp).UTC(),
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		if content.Body == "" {
			return conv.Fragment{}, false
		}
		f.Kind = conv.KindText
		f.Text = content.Body
	case event.MsgImage:
		f.Kind = conv.KindImage
		f.Caption = caption(content)
	case event.MsgAudio:
		f.Kind = conv.KindAudio
		f.Caption = caption(content)
	default:
		return conv.Fragment{}, false
	}
	return f, true
}

// caption returns the user-written text of a media message. Without a
// separate filename the body is just the filename.
func caption(content *event.MessageEventContent) string {
	if content.FileName == "" || content.FileName == content.Body {
		return ""
	}
	return content.Body
}
