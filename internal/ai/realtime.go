package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Control messages on the realtime websocket.
const (
	msgSessionStart = "session.start"
	msgSessionAck   = "session.ack"
	msgSessionEnd   = "session.end"
	msgSessionEnded = "session.ended"
	msgError        = "error"
)

type controlMessage struct {
	Type           string        `json:"type"`
	SessionID      string        `json:"session_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Start          *StartRequest `json:"start,omitempty"`
	Message        string        `json:"message,omitempty"`
}

type RealtimeConfig struct {
	URL    string
	APIKey string

	// HandshakeTimeout bounds dial plus acknowledgement. Defaults to 5 seconds.
	HandshakeTimeout time.Duration
}

// RealtimeClient talks to the AI voice service over a short-lived websocket per command.
type RealtimeClient struct {
	url     string
	apiKey  string
	timeout time.Duration
	dialer  *websocket.Dialer
}

func NewRealtimeClient(cfg RealtimeConfig) (*RealtimeClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("ai: realtime url is required")
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RealtimeClient{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
	}, nil
}

// StartConversation sends session.start and waits for session.ack.
func (c *RealtimeClient) StartConversation(ctx context.Context, req StartRequest) (Handle, error) {
	if req.SessionID == "" {
		return Handle{}, errors.New("ai: session id is required")
	}
	reply, err := c.roundTrip(ctx, controlMessage{Type: msgSessionStart, SessionID: req.SessionID, Start: &req}, msgSessionAck)
	if err != nil {
		return Handle{}, fmt.Errorf("ai: start conversation: %w", err)
	}
	if reply.ConversationID == "" {
		return Handle{}, errors.New("ai: start conversation: ack missing conversation id")
	}
	return Handle{SessionID: req.SessionID, ConversationID: reply.ConversationID}, nil
}

// EndConversation sends session.end and waits for session.ended.
func (c *RealtimeClient) EndConversation(ctx context.Context, h Handle) error {
	_, err := c.roundTrip(ctx, controlMessage{Type: msgSessionEnd, SessionID: h.SessionID, ConversationID: h.ConversationID}, msgSessionEnded)
	if err != nil {
		return fmt.Errorf("ai: end conversation: %w", err)
	}
	return nil
}

func (c *RealtimeClient) roundTrip(ctx context.Context, msg controlMessage, want string) (controlMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return controlMessage{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(msg); err != nil {
		return controlMessage{}, fmt.Errorf("write %s: %w", msg.Type, err)
	}

	var reply controlMessage
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return controlMessage{}, fmt.Errorf("read reply: %w", err)
		}
		if err := json.Unmarshal(raw, &reply); err != nil {
			return controlMessage{}, fmt.Errorf("decode reply: %w", err)
		}
		switch reply.Type {
		case want:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return reply, nil
		case msgError:
			return controlMessage{}, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
		}
		// ignore unrelated frames (heartbeats)
	}
}
