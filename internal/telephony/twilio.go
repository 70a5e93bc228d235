package telephony

import (
	"bytes"
	"context"
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
	twilioDefaultBaseURL = "https://api.twilio.com/2010-04-01"
	maxAPIResponseBytes  = 1 << 20
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// BaseURL overrides the REST endpoint; tests point it at httptest.
	BaseURL string

	// WebhookURL is the absolute URL Twilio calls back, e.g. https://host/webhooks/telephony/twilio.
	WebhookURL string

	// PublicBaseURL is used to rebuild the exact URL Twilio signed.
	PublicBaseURL string

	HTTPClient *http.Client
}

// TwilioProvider drives outbound calls through the Twilio REST API.
type TwilioProvider struct {
	accountSID    string
	authToken     string
	from          string
	baseURL       string
	webhookURL    string
	publicBaseURL string
	client        *http.Client
	now           func() time.Time
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("twilio: from number is required")
	}
	if cfg.WebhookURL == "" {
		return nil, errors.New("twilio: webhook url is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = twilioDefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwilioProvider{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		from:          cfg.FromNumber,
		baseURL:       base,
		webhookURL:    cfg.WebhookURL,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		client:        client,
		now:           time.Now,
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error) {
	voiceURL, err := p.callbackURL(req.SessionID, "voice")
	if err != nil {
		return InitiateCallResult{}, err
	}
	statusURL, err := p.callbackURL(req.SessionID, "status")
	if err != nil {
		return InitiateCallResult{}, err
	}

	params := url.Values{
		"To":                  {req.To},
		"From":                {p.from},
		"Url":                 {voiceURL},
		"StatusCallback":      {statusURL},
		"StatusCallbackEvent": {"initiated", "ringing", "answered", "completed"},
	}
	if req.TimeoutSeconds > 0 {
		params.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}
	if req.MaxDurationSeconds > 0 {
		params.Set("TimeLimit", strconv.Itoa(req.MaxDurationSeconds))
	}
	if req.Record {
		params.Set("Record", "true")
	}

	resp, err := p.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return InitiateCallResult{Status: InitiateFailed}, fmt.Errorf("twilio: initiate call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return InitiateCallResult{Status: InitiateFailed}, fmt.Errorf("twilio: parse response: %w", err)
	}
	if result.SID == "" {
		return InitiateCallResult{Status: InitiateFailed}, errors.New("twilio: response missing call sid")
	}
	status := InitiateQueued
	if result.Status == "failed" || result.Status == "canceled" {
		status = InitiateFailed
	}
	return InitiateCallResult{CallID: result.SID, Status: status}, nil
}

// HangupCall ends an active call by moving it to completed.
func (p *TwilioProvider) HangupCall(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("twilio: call id is required")
	}
	params := url.Values{"Status": {"completed"}}
	if _, err := p.apiRequest(ctx, "/Calls/"+url.PathEscape(callID)+".json", params); err != nil {
		return fmt.Errorf("twilio: hangup call: %w", err)
	}
	return nil
}

func (p *TwilioProvider) StreamResponse(streamURL, sessionID string) (string, []byte, error) {
	xml, err := RenderStreamTwiML(streamURL, sessionID)
	if err != nil {
		return "", nil, err
	}
	return "application/xml", []byte(xml), nil
}

func (p *TwilioProvider) callbackURL(sessionID, kind string) (string, error) {
	u, err := url.Parse(p.webhookURL)
	if err != nil {
		return "", fmt.Errorf("twilio: invalid webhook url: %w", err)
	}
	q := u.Query()
	q.Set("kind", kind)
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *TwilioProvider) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := p.baseURL + "/Accounts/" + url.PathEscape(p.accountSID) + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
