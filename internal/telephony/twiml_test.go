package telephony

import (
	"strings"
	"testing"
)

func TestRenderStreamTwiML(t *testing.T) {
	xml, err := RenderStreamTwiML("wss://ai.example.com/media", "s-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"<Connect>", `<Stream url="wss://ai.example.com/media">`, `name="session_id"`, `value="s-1"`} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderStreamTwiMLRequiresWebsocketURL(t *testing.T) {
	if _, err := RenderStreamTwiML("", "s-1"); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := RenderStreamTwiML("https://ai.example.com/media", "s-1"); err == nil {
		t.Fatalf("expected error for non-websocket url")
	}
}

func TestRenderHangupTwiML(t *testing.T) {
	xml, err := RenderHangupTwiML()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Hangup>") {
		t.Fatalf("expected hangup verb: %s", xml)
	}
}
