package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RenderStreamTwiML bridges the answered call's audio to a websocket media endpoint.
// The session id travels as a custom stream parameter.
func RenderStreamTwiML(streamURL, sessionID string) (string, error) {
	u := strings.TrimSpace(streamURL)
	if u == "" {
		return "", errors.New("telephony: stream url required")
	}
	if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		return "", errors.New("telephony: stream url must be a websocket url")
	}
	s := twimlStream{URL: u}
	if sessionID != "" {
		s.Parameters = append(s.Parameters, twimlParameter{Name: "session_id", Value: sessionID})
	}
	return render(twimlResponse{Verbs: []any{twimlConnect{Stream: s}}})
}

// RenderHangupTwiML ends the call; used when the session is unknown or already over.
func RenderHangupTwiML() (string, error) {
	return render(twimlResponse{Verbs: []any{twimlHangup{}}})
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
