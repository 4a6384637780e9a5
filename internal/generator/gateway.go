// ABOUTME: Response generator that asks a coven gateway agent for the reply
// ABOUTME: Posts the combined turn to /api/send and reads the SSE stream to completion

package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/debounce"
)

// EventType represents SSE event types from the gateway.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// SSEEvent represents a parsed Server-Sent Event.
type SSEEvent struct {
	Type EventType
	Data string
}

type textEventData struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

type errorEventData struct {
	Error string `json:"error"`
}

type sendRequest struct {
	ThreadID  string `json:"thread_id,omitempty"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Frontend  string `json:"frontend"`
	ChannelID string `json:"channel_id"`
}

// Gateway generates responses through a coven gateway's HTTP API.
type Gateway struct {
	baseURL  string
	token    string
	frontend string
	client   *http.Client
	logger   *slog.Logger
}

var _ debounce.ResponseGenerator = (*Gateway)(nil)

// NewGateway creates a gateway generator. token is sent as a bearer token
// when set.
func NewGateway(baseURL, token, frontend string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if frontend == "" {
		frontend = "fold-relay"
	}
	return &Gateway{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		frontend: frontend,
		client:   &http.Client{},
		logger:   logger.With("component", "generator", "provider", "gateway"),
	}
}

// Generate implements debounce.ResponseGenerator. The conversation key is
// the gateway channel, so each conversation keeps its own agent thread.
func (g *Gateway) Generate(ctx context.Context, key conv.Key, combined string) (string, error) {
	body, err := json.Marshal(sendRequest{
		Sender:    key.TenantID,
		Content:   combined,
		Frontend:  g.frontend,
		ChannelID: key.String(),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errorResponse(resp)
	}

	var text strings.Builder
	full, err := parseSSEStream(ctx, resp.Body, func(evt SSEEvent) {
		switch evt.Type {
		case EventText:
			var data textEventData
			if json.Unmarshal([]byte(evt.Data), &data) == nil {
				text.WriteString(data.Text)
			}
		case EventThinking:
			g.logger.Debug("agent thinking", "conversation_key", key.String())
		}
	})
	if err != nil {
		return "", err
	}

	if full != "" {
		return full, nil
	}
	return text.String(), nil
}

// errorResponse extracts error message from non-200 responses.
func errorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp errorEventData
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// parseSSEStream reads SSE events until the stream ends and returns the
// full response carried by the done event, if any.
func parseSSEStream(ctx context.Context, body io.Reader, onEvent func(SSEEvent)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType EventType
	var dataLines []string
	var fullResponse string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				evt := SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}

				switch eventType {
				case EventDone:
					var data textEventData
					if json.Unmarshal([]byte(evt.Data), &data) == nil {
						fullResponse = data.FullResponse
					}
				case EventError:
					var data errorEventData
					if json.Unmarshal([]byte(evt.Data), &data) == nil {
						return "", fmt.Errorf("agent error: %s", data.Error)
					}
				}

				if onEvent != nil {
					onEvent(evt)
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = EventType(strings.TrimSpace(v))
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(v, " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading SSE stream: %w", err)
	}

	return fullResponse, nil
}
