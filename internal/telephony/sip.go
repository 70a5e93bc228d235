package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	sipSignatureHeader = "X-Signature"
	sipTimestampHeader = "X-Timestamp"

	sipReplayWindow = 5 * time.Minute
)

type SIPConfig struct {
	// BaseURL is the HTTP control API of the SIP gateway.
	BaseURL       string
	APIKey        string
	WebhookSecret string
	FromNumber    string

	// WebhookURL is where the gateway posts call events.
	WebhookURL string

	HTTPClient *http.Client
}

// SIPGatewayProvider drives outbound calls through an HTTP gateway in front of
// a SIP trunk (FreeSWITCH). The gateway bridges call audio to the AI itself, so
// answered calls arrive as plain status updates.
type SIPGatewayProvider struct {
	baseURL    string
	apiKey     string
	secret     []byte
	from       string
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewSIPGatewayProvider(cfg SIPConfig) (*SIPGatewayProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("sip: gateway base url is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("sip: webhook secret is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SIPGatewayProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		secret:     []byte(cfg.WebhookSecret),
		from:       cfg.FromNumber,
		webhookURL: cfg.WebhookURL,
		client:     client,
		now:        time.Now,
	}, nil
}

func (p *SIPGatewayProvider) Name() string { return "sip" }

type sipOriginateRequest struct {
	To                 string `json:"to"`
	From               string `json:"from,omitempty"`
	SessionID          string `json:"session_id"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`
	MaxDurationSeconds int    `json:"max_duration_seconds,omitempty"`
	Record             bool   `json:"record"`
	CallbackURL        string `json:"callback_url,omitempty"`
}

func (p *SIPGatewayProvider) InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error) {
	payload := sipOriginateRequest{
		To:                 req.To,
		From:               p.from,
		SessionID:          req.SessionID,
		TimeoutSeconds:     req.TimeoutSeconds,
		MaxDurationSeconds: req.MaxDurationSeconds,
		Record:             req.Record,
		CallbackURL:        p.webhookURL,
	}
	resp, err := p.apiRequest(ctx, "/calls", payload)
	if err != nil {
		return InitiateCallResult{Status: InitiateFailed}, fmt.Errorf("sip: originate: %w", err)
	}

	var result struct {
		CallID string `json:"call_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return InitiateCallResult{Status: InitiateFailed}, fmt.Errorf("sip: parse response: %w", err)
	}
	if result.CallID == "" {
		return InitiateCallResult{Status: InitiateFailed}, errors.New("sip: response missing call id")
	}
	status := InitiateQueued
	if result.Status == string(InitiateFailed) {
		status = InitiateFailed
	}
	return InitiateCallResult{CallID: result.CallID, Status: status}, nil
}

func (p *SIPGatewayProvider) HangupCall(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("sip: call id is required")
	}
	if _, err := p.apiRequest(ctx, "/calls/"+url.PathEscape(callID)+"/hangup", struct{}{}); err != nil {
		return fmt.Errorf("sip: hangup: %w", err)
	}
	return nil
}

// VerifyWebhook checks X-Signature = hex(HMAC-SHA256(secret, timestamp + "." + body))
// and rejects timestamps outside the replay window.
func (p *SIPGatewayProvider) VerifyWebhook(r *http.Request, body []byte) error {
	sig := r.Header.Get(sipSignatureHeader)
	ts := r.Header.Get(sipTimestampHeader)
	if sig == "" || ts == "" {
		return ErrInvalidSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := p.now().Sub(time.Unix(sec, 0))
	if skew > sipReplayWindow || skew < -sipReplayWindow {
		return ErrInvalidSignature
	}
	want := SignSIPWebhook(p.secret, ts, body)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignSIPWebhook computes the gateway webhook signature.
func SignSIPWebhook(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type sipWebhook struct {
	Event           string `json:"event"`
	CallID          string `json:"call_id"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds"`
	HangupCause     string `json:"hangup_cause"`
	ErrorMessage    string `json:"error_message"`
	Timestamp       int64  `json:"timestamp"`
}

func (p *SIPGatewayProvider) NormalizeWebhook(_ *http.Request, body []byte) (WebhookEvent, error) {
	var w sipWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if w.CallID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing call_id", ErrMalformedWebhook)
	}
	status, ok := sipCallStatus(w.Status, w.HangupCause)
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: unknown status %q", ErrMalformedWebhook, w.Status)
	}
	ts := p.now().UTC()
	if w.Timestamp > 0 {
		ts = time.Unix(w.Timestamp, 0).UTC()
	}
	d := w.DurationSeconds
	if d < 0 {
		d = 0
	}
	return WebhookEvent{
		ProviderID: p.Name(),
		Event:      EventStatusUpdate,
		SessionID:  w.SessionID,
		Timestamp:  ts,
		Data: WebhookData{
			CallID:          w.CallID,
			Status:          status,
			DurationSeconds: d,
			ErrorCode:       w.HangupCause,
			ErrorMessage:    w.ErrorMessage,
		},
	}, nil
}

// sipCallStatus maps gateway states; a hangup cause refines a generic "hangup".
func sipCallStatus(status, cause string) (CallStatus, bool) {
	switch strings.ToLower(status) {
	case "queued", "originating":
		return CallQueued, true
	case "ringing", "early":
		return CallRinging, true
	case "answered", "bridged":
		return CallAnswered, true
	case "completed":
		return CallCompleted, true
	case "busy":
		return CallBusy, true
	case "no_answer", "no-answer":
		return CallNoAnswer, true
	case "failed":
		return CallFailed, true
	case "canceled", "cancelled":
		return CallCanceled, true
	case "hangup":
		switch strings.ToUpper(cause) {
		case "USER_BUSY":
			return CallBusy, true
		case "NO_ANSWER", "NO_USER_RESPONSE":
			return CallNoAnswer, true
		case "ORIGINATOR_CANCEL":
			return CallCanceled, true
		case "NORMAL_CLEARING", "":
			return CallCompleted, true
		default:
			return CallFailed, true
		}
	default:
		return "", false
	}
}

func (p *SIPGatewayProvider) apiRequest(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxAPIResponseBytes {
		return nil, fmt.Errorf("api response too large (%d bytes)", len(body))
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
