package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies the environment
// overlay on top, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	applyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults. It does
// not apply the environment overlay or validate; [Load] does both. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from the defaults and the environment alone,
// for deployments that do not ship a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	applyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Unset and empty variables
// leave the current value alone. getenv is injectable for tests.
func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("ARI_BASE_URL", &cfg.ARI.BaseURL)
	str("ARI_WS_URL", &cfg.ARI.WSURL)
	str("ARI_APP_NAME", &cfg.ARI.AppName)
	str("ARI_USERNAME", &cfg.ARI.Username)
	str("ARI_PASSWORD", &cfg.ARI.Password)

	str("PANEL_BASE_URL", &cfg.Panel.BaseURL)
	str("PANEL_API_TOKEN", &cfg.Panel.Token)
	str("PANEL_COMPANY", &cfg.Panel.Company)

	str("VIRA_STT_URL", &cfg.STT.URL)
	str("VIRA_STT_TOKEN", &cfg.STT.Token)
	str("VIRA_TTS_URL", &cfg.TTS.URL)
	str("VIRA_TTS_TOKEN", &cfg.TTS.Token)
	if v := getenv("VIRA_VERIFY_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.STT.VerifySSL = b
			cfg.TTS.VerifySSL = b
		}
	}

	str("GAPGPT_BASE_URL", &cfg.LLM.BaseURL)
	str("GAPGPT_API_KEY", &cfg.LLM.APIKey)
	str("GAPGPT_MODEL", &cfg.LLM.Model)

	str("OUTBOUND_TRUNK", &cfg.Dialer.OutboundTrunk)
	list("OUTBOUND_NUMBERS", &cfg.Dialer.OutboundNumbers)
	str("DEFAULT_CALLER_ID", &cfg.Dialer.DefaultCallerID)
	num("ORIGINATION_TIMEOUT", &cfg.Dialer.OriginationTimeoutSeconds)
	num("MAX_CONCURRENT_CALLS", &cfg.Dialer.MaxConcurrentCalls)
	num("MAX_CONCURRENT_OUTBOUND_CALLS", &cfg.Dialer.MaxConcurrentOutbound)
	num("MAX_CONCURRENT_INBOUND_CALLS", &cfg.Dialer.MaxConcurrentInbound)
	num("MAX_CALLS_PER_MINUTE", &cfg.Dialer.MaxCallsPerMinute)
	num("MAX_CALLS_PER_DAY", &cfg.Dialer.MaxCallsPerDay)
	flt("MAX_ORIGINATIONS_PER_SECOND", &cfg.Dialer.MaxOriginationsPerSecond)
	str("CALL_WINDOW_START", &cfg.Dialer.CallWindowStart)
	str("CALL_WINDOW_END", &cfg.Dialer.CallWindowEnd)
	list("STATIC_CONTACTS", &cfg.Dialer.StaticContacts)
	num("DIALER_BATCH_SIZE", &cfg.Dialer.BatchSize)
	num("DIALER_DEFAULT_RETRY", &cfg.Dialer.DefaultRetrySeconds)

	str("OPERATOR_EXTENSION", &cfg.Operator.Extension)
	str("OPERATOR_TRUNK", &cfg.Operator.Trunk)
	str("OPERATOR_CALLER_ID", &cfg.Operator.CallerID)
	num("OPERATOR_TIMEOUT", &cfg.Operator.TimeoutSeconds)
	str("OPERATOR_ENDPOINT", &cfg.Operator.Endpoint)
	list("OPERATOR_MOBILE_NUMBERS", &cfg.Operator.MobileNumbers)
	boolean("USE_PANEL_AGENTS", &cfg.Operator.UsePanelAgents)

	str("SMS_API_KEY", &cfg.SMS.APIKey)
	str("SMS_FROM", &cfg.SMS.Sender)
	list("SMS_ADMINS", &cfg.SMS.Admins)
	num("FAIL_ALERT_THRESHOLD", &cfg.SMS.FailAlertThreshold)

	num("MAX_PARALLEL_STT", &cfg.Concurrency.MaxParallelSTT)
	num("MAX_PARALLEL_TTS", &cfg.Concurrency.MaxParallelTTS)
	num("MAX_PARALLEL_LLM", &cfg.Concurrency.MaxParallelLLM)
	num("HTTP_MAX_CONNECTIONS", &cfg.Concurrency.HTTPMaxConnections)

	num("HTTP_TIMEOUT", &cfg.Timeouts.HTTPSeconds)
	num("STT_TIMEOUT", &cfg.Timeouts.STTSeconds)
	num("TTS_TIMEOUT", &cfg.Timeouts.TTSSeconds)
	num("LLM_TIMEOUT", &cfg.Timeouts.LLMSeconds)
	num("ARI_TIMEOUT", &cfg.Timeouts.ARISeconds)

	str("SCENARIOS_DIR", &cfg.Scenarios.Dir)
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
}

// splitList splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ARI.BaseURL == "" {
		errs = append(errs, errors.New("ari.base_url is required"))
	}
	if cfg.ARI.WSURL == "" {
		errs = append(errs, errors.New("ari.ws_url is required"))
	}
	if cfg.ARI.AppName == "" {
		errs = append(errs, errors.New("ari.app_name is required"))
	}

	if cfg.Dialer.OriginationTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("dialer.origination_timeout %d must be positive", cfg.Dialer.OriginationTimeoutSeconds))
	}
	if cfg.Dialer.MaxConcurrentCalls <= 0 {
		errs = append(errs, fmt.Errorf("dialer.max_concurrent_calls %d must be positive", cfg.Dialer.MaxConcurrentCalls))
	}
	if cfg.Dialer.MaxConcurrentOutbound < 0 {
		errs = append(errs, fmt.Errorf("dialer.max_concurrent_outbound %d must not be negative", cfg.Dialer.MaxConcurrentOutbound))
	}
	if cfg.Dialer.MaxConcurrentInbound < 0 {
		errs = append(errs, fmt.Errorf("dialer.max_concurrent_inbound %d must not be negative", cfg.Dialer.MaxConcurrentInbound))
	}
	if cfg.Dialer.MaxCallsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("dialer.max_calls_per_minute %d must be positive", cfg.Dialer.MaxCallsPerMinute))
	}
	if cfg.Dialer.MaxCallsPerDay <= 0 {
		errs = append(errs, fmt.Errorf("dialer.max_calls_per_day %d must be positive", cfg.Dialer.MaxCallsPerDay))
	}
	if cfg.Dialer.MaxOriginationsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("dialer.max_originations_per_second %g must be positive", cfg.Dialer.MaxOriginationsPerSecond))
	}
	if cfg.Dialer.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("dialer.batch_size %d must be positive", cfg.Dialer.BatchSize))
	}
	if _, err := ParseClock(cfg.Dialer.CallWindowStart); err != nil {
		errs = append(errs, fmt.Errorf("dialer.call_window_start: %w", err))
	}
	if _, err := ParseClock(cfg.Dialer.CallWindowEnd); err != nil {
		errs = append(errs, fmt.Errorf("dialer.call_window_end: %w", err))
	}

	if cfg.Operator.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("operator.timeout %d must be positive", cfg.Operator.TimeoutSeconds))
	}

	if cfg.Concurrency.MaxParallelSTT <= 0 {
		errs = append(errs, fmt.Errorf("concurrency.max_parallel_stt %d must be positive", cfg.Concurrency.MaxParallelSTT))
	}
	if cfg.Concurrency.MaxParallelTTS <= 0 {
		errs = append(errs, fmt.Errorf("concurrency.max_parallel_tts %d must be positive", cfg.Concurrency.MaxParallelTTS))
	}
	if cfg.Concurrency.MaxParallelLLM <= 0 {
		errs = append(errs, fmt.Errorf("concurrency.max_parallel_llm %d must be positive", cfg.Concurrency.MaxParallelLLM))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}

// Clock is a minute-resolution time of day.
type Clock struct {
	Hour, Minute int
}

// ParseClock parses an "HH:MM" time-of-day value.
func ParseClock(v string) (Clock, error) {
	h, m, ok := strings.Cut(v, ":")
	if !ok {
		return Clock{}, fmt.Errorf("invalid time of day %q, want HH:MM", v)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", v)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// Minutes returns the clock value as minutes past midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// At pins the clock to the date of t in t's location.
func (c Clock) At(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}
