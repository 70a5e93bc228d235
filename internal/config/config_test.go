package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:       AppConfig{Env: "local", Port: 8080},
		DB:        DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "feedback"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379},
		Auth:      AuthConfig{JWTSecret: "secret"},
		Telephony: TelephonyConfig{Providers: []string{"twilio", "sip"}},
		Twilio:    TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+46700000000"},
		SIP:       SIPConfig{BaseURL: "http://gw.local", WebhookSecret: "sip-secret"},
		AI:        AIConfig{RealtimeURL: "ws://ai.local/realtime", WebhookSecret: "ai-secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.App.PublicBaseURL = "https://calls.example.com"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.NoAnswerTimeout != 30*time.Second || c.Calls.MaxDuration != 120*time.Second {
		t.Fatalf("unexpected call timeouts: %+v", c.Calls)
	}
	if c.Calls.WorkingStateTTL != 2*time.Hour {
		t.Fatalf("expected 2h working state ttl, got %s", c.Calls.WorkingStateTTL)
	}
	if c.Monitor.WarningRatio != 0.8 {
		t.Fatalf("expected warning ratio 0.8, got %v", c.Monitor.WarningRatio)
	}
}

func TestValidate_UnknownOrDuplicateProvider(t *testing.T) {
	c := validConfig()
	c.Telephony.Providers = []string{"twilio", "twilio", "vonage"}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "twice") || !strings.Contains(msg, "vonage") {
		t.Fatalf("expected both problems reported, got %s", msg)
	}
}

func TestValidate_SIPRequiresWebhookSecret(t *testing.T) {
	c := validConfig()
	c.SIP.WebhookSecret = ""
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "SIP_WEBHOOK_SECRET") {
		t.Fatalf("expected SIP_WEBHOOK_SECRET error, got %v", err)
	}
}

func TestValidate_AIWebhookSecretRequired(t *testing.T) {
	for _, env := range []string{"local", "production"} {
		c := validConfig()
		c.App.Env = env
		c.AI.WebhookSecret = ""
		if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "AI_WEBHOOK_SECRET") {
			t.Fatalf("%s: expected AI_WEBHOOK_SECRET error, got %v", env, err)
		}
	}
}

func TestLoad_FromEnv(t *testing.T) {
	env := map[string]string{
		"APP_ENV":                   "dev",
		"APP_PORT":                  "9000",
		"DB_HOST":                   "db",
		"DB_PORT":                   "5432",
		"DB_USER":                   "u",
		"DB_NAME":                   "n",
		"REDIS_HOST":                "redis",
		"REDIS_PORT":                "6379",
		"JWT_SECRET":                "s",
		"TELEPHONY_PROVIDERS":       "SIP, twilio",
		"TWILIO_ACCOUNT_SID":        "AC1",
		"TWILIO_AUTH_TOKEN":         "t",
		"TWILIO_FROM_NUMBER":        "+46700000000",
		"SIP_GATEWAY_URL":           "http://gw",
		"SIP_WEBHOOK_SECRET":        "x",
		"AI_REALTIME_URL":           "ws://ai",
		"AI_WEBHOOK_SECRET":         "y",
		"CALL_MAX_DURATION":         "90s",
		"MONITOR_COST_BUDGET_MINOR": "750",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Telephony.Providers[0] != "sip" || c.Telephony.Providers[1] != "twilio" {
		t.Fatalf("unexpected provider order %v", c.Telephony.Providers)
	}
	if c.Calls.MaxDuration != 90*time.Second {
		t.Fatalf("expected 90s, got %s", c.Calls.MaxDuration)
	}
	if c.Monitor.CostBudgetMinor != 750 {
		t.Fatalf("expected 750, got %d", c.Monitor.CostBudgetMinor)
	}
}

func TestLoad_RejectsNonNumericOptional(t *testing.T) {
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JOBS_MAX_CONCURRENCY", "lots")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "JOBS_MAX_CONCURRENCY") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
