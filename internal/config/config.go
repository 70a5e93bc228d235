package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Telephony TelephonyConfig
	Twilio    TwilioConfig
	SIP       SIPConfig
	AI        AIConfig
	Calls     CallsConfig
	Pricing   PricingConfig
	Monitor   MonitorConfig
	Jobs      JobsConfig
	Events    EventsConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is where providers reach our webhooks, e.g. https://calls.example.com
	PublicBaseURL string

	// AutoMigrate applies table DDL on boot. Local/dev convenience.
	AutoMigrate bool
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type TelephonyConfig struct {
	// Providers is the failover order, primary first.
	Providers []string

	// MaxConcurrentCalls caps in-flight initiations per provider (0 disables the cap).
	MaxConcurrentCalls int
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

type SIPConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	FromNumber    string
}

type AIConfig struct {
	// RealtimeURL is the websocket control endpoint of the AI voice service.
	RealtimeURL string
	APIKey      string

	// MediaStreamURL is the websocket target providers bridge call audio to.
	MediaStreamURL string

	// WebhookSecret signs AI service callbacks; unsigned callbacks are rejected.
	WebhookSecret    string
	HandshakeTimeout time.Duration
}

type CallsConfig struct {
	NoAnswerTimeout          time.Duration
	MaxDuration              time.Duration
	RecordCalls              bool
	DefaultExpectedQuestions int
	SecondsPerQuestion       int
	WorkingStateTTL          time.Duration
}

type PricingConfig struct {
	Currency string

	TwilioPerMinuteMinor int64
	SIPPerMinuteMinor    int64
	AIPerMinuteMinor     int64
}

type MonitorConfig struct {
	Interval time.Duration

	// CostBudgetMinor is the per-call budget in minor currency units.
	CostBudgetMinor int64

	WarningRatio             float64
	ErrorRateWindow          time.Duration
	ErrorRateThreshold       float64
	ProviderFailureThreshold float64
	MinSampleSize            int
	AlertCooldown            time.Duration
}

type JobsConfig struct {
	PollInterval   time.Duration
	LockDuration   time.Duration
	MaxConcurrency int
	MaxAttempts    int
}

type EventsConfig struct {
	// VerificationChannel is the Redis pub/sub channel carrying customer-verified events.
	// Empty disables the subscriber; the HTTP ingress still works.
	VerificationChannel string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.App.AutoMigrate = optionalBool("DB_AUTO_MIGRATE")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Telephony.Providers = csv("TELEPHONY_PROVIDERS")
	c.Telephony.MaxConcurrentCalls, parseErrs = optionalInt(parseErrs, "TELEPHONY_MAX_CONCURRENT_CALLS")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.BaseURL = strings.TrimSpace(os.Getenv("TWILIO_BASE_URL"))

	c.SIP.BaseURL = strings.TrimSpace(os.Getenv("SIP_GATEWAY_URL"))
	c.SIP.APIKey = os.Getenv("SIP_GATEWAY_API_KEY")
	c.SIP.WebhookSecret = os.Getenv("SIP_WEBHOOK_SECRET")
	c.SIP.FromNumber = strings.TrimSpace(os.Getenv("SIP_FROM_NUMBER"))

	c.AI.RealtimeURL = strings.TrimSpace(os.Getenv("AI_REALTIME_URL"))
	c.AI.APIKey = os.Getenv("AI_API_KEY")
	c.AI.MediaStreamURL = strings.TrimSpace(os.Getenv("AI_MEDIA_STREAM_URL"))
	c.AI.WebhookSecret = os.Getenv("AI_WEBHOOK_SECRET")
	c.AI.HandshakeTimeout = mustDuration("AI_HANDSHAKE_TIMEOUT")

	c.Calls.NoAnswerTimeout = mustDuration("CALL_NO_ANSWER_TIMEOUT")
	c.Calls.MaxDuration = mustDuration("CALL_MAX_DURATION")
	c.Calls.RecordCalls = optionalBool("CALL_RECORD")
	c.Calls.DefaultExpectedQuestions, parseErrs = optionalInt(parseErrs, "CALL_DEFAULT_EXPECTED_QUESTIONS")
	c.Calls.SecondsPerQuestion, parseErrs = optionalInt(parseErrs, "CALL_SECONDS_PER_QUESTION")
	c.Calls.WorkingStateTTL = mustDuration("CALL_WORKING_STATE_TTL")

	c.Pricing.Currency = strings.TrimSpace(os.Getenv("PRICING_CURRENCY"))
	c.Pricing.TwilioPerMinuteMinor, parseErrs = optionalInt64(parseErrs, "PRICING_TWILIO_PER_MINUTE_MINOR")
	c.Pricing.SIPPerMinuteMinor, parseErrs = optionalInt64(parseErrs, "PRICING_SIP_PER_MINUTE_MINOR")
	c.Pricing.AIPerMinuteMinor, parseErrs = optionalInt64(parseErrs, "PRICING_AI_PER_MINUTE_MINOR")

	c.Monitor.Interval = mustDuration("MONITOR_INTERVAL")
	c.Monitor.CostBudgetMinor, parseErrs = optionalInt64(parseErrs, "MONITOR_COST_BUDGET_MINOR")
	c.Monitor.WarningRatio, parseErrs = optionalFloat(parseErrs, "MONITOR_WARNING_RATIO")
	c.Monitor.ErrorRateWindow = mustDuration("MONITOR_ERROR_RATE_WINDOW")
	c.Monitor.ErrorRateThreshold, parseErrs = optionalFloat(parseErrs, "MONITOR_ERROR_RATE_THRESHOLD")
	c.Monitor.ProviderFailureThreshold, parseErrs = optionalFloat(parseErrs, "MONITOR_PROVIDER_FAILURE_THRESHOLD")
	c.Monitor.MinSampleSize, parseErrs = optionalInt(parseErrs, "MONITOR_MIN_SAMPLE_SIZE")
	c.Monitor.AlertCooldown = mustDuration("MONITOR_ALERT_COOLDOWN")

	c.Jobs.PollInterval = mustDuration("JOBS_POLL_INTERVAL")
	c.Jobs.LockDuration = mustDuration("JOBS_LOCK_DURATION")
	c.Jobs.MaxConcurrency, parseErrs = optionalInt(parseErrs, "JOBS_MAX_CONCURRENCY")
	c.Jobs.MaxAttempts, parseErrs = optionalInt(parseErrs, "JOBS_MAX_ATTEMPTS")

	c.Events.VerificationChannel = strings.TrimSpace(os.Getenv("VERIFICATION_EVENTS_CHANNEL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.IsProduction() && c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.validateTelephony()...)

	if c.AI.RealtimeURL == "" {
		errs = append(errs, errors.New("AI_REALTIME_URL is required"))
	}
	if c.AI.WebhookSecret == "" {
		errs = append(errs, errors.New("AI_WEBHOOK_SECRET is required"))
	}
	if c.AI.HandshakeTimeout <= 0 {
		c.AI.HandshakeTimeout = 5 * time.Second
	}

	if c.Calls.NoAnswerTimeout <= 0 {
		c.Calls.NoAnswerTimeout = 30 * time.Second
	}
	if c.Calls.MaxDuration <= 0 {
		c.Calls.MaxDuration = 120 * time.Second
	}
	if c.Calls.DefaultExpectedQuestions <= 0 {
		c.Calls.DefaultExpectedQuestions = 3
	}
	if c.Calls.SecondsPerQuestion <= 0 {
		c.Calls.SecondsPerQuestion = 20
	}
	if c.Calls.WorkingStateTTL <= 0 {
		c.Calls.WorkingStateTTL = 2 * time.Hour
	}

	if c.Pricing.Currency == "" {
		c.Pricing.Currency = "SEK"
	}
	if c.Pricing.TwilioPerMinuteMinor < 0 || c.Pricing.SIPPerMinuteMinor < 0 || c.Pricing.AIPerMinuteMinor < 0 {
		errs = append(errs, errors.New("PRICING_* rates must not be negative"))
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 10 * time.Second
	}
	if c.Monitor.CostBudgetMinor <= 0 {
		c.Monitor.CostBudgetMinor = 500
	}
	if c.Monitor.WarningRatio <= 0 || c.Monitor.WarningRatio >= 1 {
		c.Monitor.WarningRatio = 0.8
	}
	if c.Monitor.ErrorRateWindow <= 0 {
		c.Monitor.ErrorRateWindow = 15 * time.Minute
	}
	if c.Monitor.ErrorRateThreshold <= 0 {
		c.Monitor.ErrorRateThreshold = 0.3
	}
	if c.Monitor.ProviderFailureThreshold <= 0 {
		c.Monitor.ProviderFailureThreshold = 0.5
	}
	if c.Monitor.MinSampleSize <= 0 {
		c.Monitor.MinSampleSize = 10
	}
	if c.Monitor.AlertCooldown <= 0 {
		c.Monitor.AlertCooldown = 5 * time.Minute
	}

	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = time.Second
	}
	if c.Jobs.LockDuration <= 0 {
		c.Jobs.LockDuration = 2 * time.Minute
	}
	if c.Jobs.MaxConcurrency <= 0 {
		c.Jobs.MaxConcurrency = 10
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 5
	}

	return joinErrors(errs)
}

func (c *Config) validateTelephony() []error {
	var errs []error
	if len(c.Telephony.Providers) == 0 {
		c.Telephony.Providers = []string{"twilio", "sip"}
	}
	seen := make(map[string]bool, len(c.Telephony.Providers))
	for _, p := range c.Telephony.Providers {
		if seen[p] {
			errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDERS lists %q twice", p))
			continue
		}
		seen[p] = true
		switch p {
		case "twilio":
			if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
				errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required when twilio is enabled"))
			}
			if c.Twilio.FromNumber == "" {
				errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required when twilio is enabled"))
			}
		case "sip":
			if c.SIP.BaseURL == "" {
				errs = append(errs, errors.New("SIP_GATEWAY_URL is required when sip is enabled"))
			}
			if c.SIP.WebhookSecret == "" {
				errs = append(errs, errors.New("SIP_WEBHOOK_SECRET is required when sip is enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDERS: unknown provider %q", p))
		}
	}
	if c.Telephony.MaxConcurrentCalls < 0 {
		errs = append(errs, errors.New("TELEPHONY_MAX_CONCURRENT_CALLS must not be negative"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// WebhookURL joins the public base URL and path.
func (c Config) WebhookURL(path string) string {
	return c.App.PublicBaseURL + path
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalInt64(errs []error, key string) (int64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalFloat(errs []error, key string) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

func optionalBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func csv(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
