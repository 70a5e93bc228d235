package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Twilio sends application/x-www-form-urlencoded callbacks.
// Ref: https://www.twilio.com/docs/usage/security#validating-requests

const twilioSignatureHeader = "X-Twilio-Signature"

// VerifyWebhook validates X-Twilio-Signature: base64(HMAC-SHA1(authToken, url + sorted key/value pairs)).
func (p *TwilioProvider) VerifyWebhook(r *http.Request, body []byte) error {
	signature := r.Header.Get(twilioSignatureHeader)
	if signature == "" {
		return ErrInvalidSignature
	}
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	expected := twilioSignature(p.authToken, p.signedURL(r), params)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *TwilioProvider) NormalizeWebhook(r *http.Request, body []byte) (WebhookEvent, error) {
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	callSID := strings.TrimSpace(params.Get("CallSid"))
	if callSID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing CallSid", ErrMalformedWebhook)
	}

	status, ok := twilioCallStatus(params.Get("CallStatus"))
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: unknown CallStatus %q", ErrMalformedWebhook, params.Get("CallStatus"))
	}

	ev := WebhookEvent{
		ProviderID: p.Name(),
		Event:      EventStatusUpdate,
		SessionID:  r.URL.Query().Get("session_id"),
		Timestamp:  p.now().UTC(),
		Data: WebhookData{
			CallID:       callSID,
			Status:       status,
			ErrorCode:    params.Get("ErrorCode"),
			ErrorMessage: params.Get("ErrorMessage"),
		},
	}
	// The voice URL is fetched on answer; Twilio still reports in-progress there.
	if r.URL.Query().Get("kind") == "voice" {
		ev.Event = EventVoiceStart
		ev.Data.Status = CallAnswered
	}
	if d := params.Get("CallDuration"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 {
			ev.Data.DurationSeconds = n
		}
	}
	if ts := params.Get("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			ev.Timestamp = t.UTC()
		}
	}
	return ev, nil
}

func (p *TwilioProvider) signedURL(r *http.Request) string {
	if p.publicBaseURL != "" {
		return p.publicBaseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func twilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func twilioCallStatus(s string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated":
		return CallQueued, true
	case "ringing":
		return CallRinging, true
	case "in-progress", "answered":
		return CallAnswered, true
	case "completed":
		return CallCompleted, true
	case "busy":
		return CallBusy, true
	case "no-answer":
		return CallNoAnswer, true
	case "failed":
		return CallFailed, true
	case "canceled":
		return CallCanceled, true
	default:
		return "", false
	}
}
