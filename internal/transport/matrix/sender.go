// ABOUTME: Matrix sender delivering chunks to rooms
// ABOUTME: Optionally renders markdown into an HTML formatted body with goldmark

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
)

// Sender posts chunks as m.room.message events. The conversation ID of the
// key is the room ID.
type Sender struct {
	client *mautrix.Client
	md     goldmark.Markdown
	logger *slog.Logger
}

var _ delivery.Sender = (*Sender)(nil)

// NewSender creates a sender. With markdown set, chunks carry an HTML
// formatted body when the markdown renders to more than plain paragraphs.
func NewSender(client *mautrix.Client, markdown bool, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		client: client,
		logger: logger.With("component", "matrix-sender"),
	}
	if markdown {
		s.md = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		)
	}
	return s
}

// Send implements delivery.Sender and returns the Matrix event ID.
func (s *Sender) Send(ctx context.Context, key conv.Key, content string) (string, error) {
	msg := s.message(content)
	resp, err := s.client.SendMessageEvent(ctx, id.RoomID(key.ConversationID), event.EventMessage, msg)
	if err != nil {
		return "", fmt.Errorf("sending to room %s: %w", key.ConversationID, err)
	}
	return resp.EventID.String(), nil
}

func (s *Sender) message(text string) *event.MessageEventContent {
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if s.md == nil {
		return msg
	}

	var buf bytes.Buffer
	if err := s.md.Convert([]byte(text), &buf); err != nil {
		s.logger.Warn("failed to render markdown, sending plain text", "error", err)
		return msg
	}
	rendered := strings.TrimSpace(buf.String())
	if rendered == "" || rendered == "<p>"+html.EscapeString(text)+"</p>" {
		return msg
	}
	msg.Format = event.FormatHTML
	msg.FormattedBody = rendered
	return msg
}
