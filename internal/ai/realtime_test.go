package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRealtime answers each control message with reply(msg).
func fakeRealtime(t *testing.T, reply func(controlMessage) []controlMessage) (*httptest.Server, chan controlMessage) {
	t.Helper()
	got := make(chan controlMessage, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		got <- msg
		for _, out := range reply(msg) {
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	return srv, got
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRealtimeClient_StartConversation(t *testing.T) {
	srv, got := fakeRealtime(t, func(m controlMessage) []controlMessage {
		return []controlMessage{{Type: "heartbeat"}, {Type: msgSessionAck, SessionID: m.SessionID, ConversationID: "conv-1"}}
	})
	defer srv.Close()

	c, err := NewRealtimeClient(RealtimeConfig{URL: wsURL(srv), APIKey: "k", HandshakeTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h, err := c.StartConversation(context.Background(), StartRequest{SessionID: "s1", ExpectedQuestions: 3, StoreID: "store-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.ConversationID != "conv-1" || h.SessionID != "s1" {
		t.Fatalf("unexpected handle %+v", h)
	}
	msg := <-got
	if msg.Type != msgSessionStart || msg.Start == nil || msg.Start.ExpectedQuestions != 3 || msg.Start.StoreID != "store-1" {
		t.Fatalf("unexpected start message %+v", msg)
	}
}

func TestRealtimeClient_StartRejected(t *testing.T) {
	srv, _ := fakeRealtime(t, func(m controlMessage) []controlMessage {
		return []controlMessage{{Type: msgError, Message: "capacity"}}
	})
	defer srv.Close()

	c, _ := NewRealtimeClient(RealtimeConfig{URL: wsURL(srv), APIKey: "k"})
	if _, err := c.StartConversation(context.Background(), StartRequest{SessionID: "s1"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestRealtimeClient_AckTimeout(t *testing.T) {
	srv, _ := fakeRealtime(t, func(m controlMessage) []controlMessage { return nil })
	defer srv.Close()

	c, _ := NewRealtimeClient(RealtimeConfig{URL: wsURL(srv), APIKey: "k", HandshakeTimeout: 100 * time.Millisecond})
	if _, err := c.StartConversation(context.Background(), StartRequest{SessionID: "s1"}); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestRealtimeClient_EndConversation(t *testing.T) {
	srv, got := fakeRealtime(t, func(m controlMessage) []controlMessage {
		return []controlMessage{{Type: msgSessionEnded, SessionID: m.SessionID}}
	})
	defer srv.Close()

	c, _ := NewRealtimeClient(RealtimeConfig{URL: wsURL(srv), APIKey: "k"})
	if err := c.EndConversation(context.Background(), Handle{SessionID: "s1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if msg := <-got; msg.Type != msgSessionEnd || msg.ConversationID != "conv-1" {
		t.Fatalf("unexpected end message %+v", msg)
	}
}
