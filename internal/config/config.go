// Package config provides the configuration schema and loader for the
// sedaflow call engine.
//
// Configuration comes from a YAML file, an environment-variable overlay, or
// both: [Load] reads the file and then applies the environment on top, while
// [FromEnv] builds a config from the environment alone. Every option can be
// expressed either way; the environment always wins so that deployments can
// override a checked-in file without editing it.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the sedaflow process.
type Config struct {
	ARI         ARIConfig         `yaml:"ari"`
	Panel       PanelConfig       `yaml:"panel"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	LLM         LLMConfig         `yaml:"llm"`
	Dialer      DialerConfig      `yaml:"dialer"`
	Operator    OperatorConfig    `yaml:"operator"`
	SMS         SMSConfig         `yaml:"sms"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Scenarios   ScenariosConfig   `yaml:"scenarios"`
	Server      ServerConfig      `yaml:"server"`
}

// ARIConfig locates the PBX control plane.
type ARIConfig struct {
	// BaseURL is the ARI REST root, e.g. "http://127.0.0.1:8088/ari".
	BaseURL string `yaml:"base_url"`

	// WSURL is the event-stream websocket URL, e.g.
	// "ws://127.0.0.1:8088/ari/events".
	WSURL string `yaml:"ws_url"`

	// AppName is the Stasis application name registered on the stream.
	AppName string `yaml:"app_name"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PanelConfig locates the external management panel. An empty BaseURL
// disables panel integration entirely; the dialer then runs on static
// contacts only.
type PanelConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`

	// Company scopes batch fetches and scenario filtering.
	Company string `yaml:"company"`
}

// STTConfig configures the speech-to-text provider.
type STTConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// VerifySSL disables TLS verification when false. The provider sits
	// behind a gateway with a frequently-rotated certificate.
	VerifySSL bool `yaml:"verify_ssl"`
}

// TTSConfig configures the text-to-speech provider used for off-call prompt
// pre-rendering.
type TTSConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	VerifySSL bool   `yaml:"verify_ssl"`
}

// LLMConfig configures the intent-classification LLM backend.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// Model is the completion model used for classification.
	Model string `yaml:"model"`
}

// DialerConfig governs outbound origination rates and capacity.
type DialerConfig struct {
	// OutboundTrunk is the PJSIP trunk outbound calls are dialed through.
	OutboundTrunk string `yaml:"outbound_trunk"`

	// OutboundNumbers lists the trunk-line phone numbers; each is one unit
	// of concurrency capacity.
	OutboundNumbers []string `yaml:"outbound_numbers"`

	// DefaultCallerID is presented on outbound customer calls.
	DefaultCallerID string `yaml:"default_caller_id"`

	// OriginationTimeoutSeconds is the ring timeout for outbound calls.
	OriginationTimeoutSeconds int `yaml:"origination_timeout"`

	// MaxConcurrentCalls caps combined inbound+outbound per line.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// MaxConcurrentOutbound optionally caps outbound across all lines.
	// Zero means no separate cap.
	MaxConcurrentOutbound int `yaml:"max_concurrent_outbound"`

	// MaxConcurrentInbound optionally caps simultaneously accepted inbound
	// sessions globally. Zero means inbound shares per-line capacity only.
	MaxConcurrentInbound int `yaml:"max_concurrent_inbound"`

	// MaxCallsPerMinute caps origination attempts per line per rolling
	// minute.
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`

	// MaxCallsPerDay caps origination attempts per line per calendar day.
	MaxCallsPerDay int `yaml:"max_calls_per_day"`

	// MaxOriginationsPerSecond throttles the global origination rate.
	MaxOriginationsPerSecond float64 `yaml:"max_originations_per_second"`

	// CallWindowStart and CallWindowEnd bound the local time of day during
	// which the dialer originates, in "HH:MM" form. The defaults
	// (00:00–23:59) keep the window always open; the panel normally owns
	// scheduling.
	CallWindowStart string `yaml:"call_window_start"`
	CallWindowEnd   string `yaml:"call_window_end"`

	// StaticContacts pre-seeds the queue; useful without a panel.
	StaticContacts []string `yaml:"static_contacts"`

	// BatchSize is the maximum contacts requested per panel poll.
	BatchSize int `yaml:"batch_size"`

	// DefaultRetrySeconds is the backoff applied when the panel disallows
	// calling without naming an interval.
	DefaultRetrySeconds int `yaml:"default_retry"`
}

// OriginationTimeout returns the ring timeout as a duration.
func (d DialerConfig) OriginationTimeout() time.Duration {
	return time.Duration(d.OriginationTimeoutSeconds) * time.Second
}

// OperatorConfig governs the live-agent transfer leg.
type OperatorConfig struct {
	// Extension is the static operator extension dialed when no agent
	// roster is available.
	Extension string `yaml:"extension"`

	// Trunk carries the static operator endpoint; defaults to the dialer's
	// outbound trunk.
	Trunk string `yaml:"trunk"`

	// CallerID presented on the operator leg when no line-derived caller id
	// applies.
	CallerID string `yaml:"caller_id"`

	// TimeoutSeconds bounds both the operator ring and the wait for a free
	// outbound line.
	TimeoutSeconds int `yaml:"timeout"`

	// Endpoint is a full static endpoint overriding Extension/Trunk.
	Endpoint string `yaml:"endpoint"`

	// MobileNumbers is the static agent roster used when the panel does not
	// supply one.
	MobileNumbers []string `yaml:"mobile_numbers"`

	// UsePanelAgents replaces the static roster with the panel's.
	UsePanelAgents bool `yaml:"use_panel_agents"`
}

// Timeout returns the operator timeout as a duration.
func (o OperatorConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// SMSConfig configures failure alerting over SMS. Leaving APIKey or Sender
// empty disables sending; the failure-streak pause still applies.
type SMSConfig struct {
	APIKey string   `yaml:"api_key"`
	Sender string   `yaml:"sender"`
	Admins []string `yaml:"admins"`

	// FailAlertThreshold is the consecutive-failure count that pauses the
	// dialer and fires an alert.
	FailAlertThreshold int `yaml:"fail_alert_threshold"`
}

// ConcurrencyConfig bounds parallel work toward external providers.
type ConcurrencyConfig struct {
	MaxParallelSTT     int `yaml:"max_parallel_stt"`
	MaxParallelTTS     int `yaml:"max_parallel_tts"`
	MaxParallelLLM     int `yaml:"max_parallel_llm"`
	HTTPMaxConnections int `yaml:"http_max_connections"`
}

// TimeoutConfig holds per-call-site timeouts in seconds.
type TimeoutConfig struct {
	HTTPSeconds int `yaml:"http"`
	STTSeconds  int `yaml:"stt"`
	TTSSeconds  int `yaml:"tts"`
	LLMSeconds  int `yaml:"llm"`
	ARISeconds  int `yaml:"ari"`
}

// HTTP returns the generic HTTP timeout as a duration.
func (t TimeoutConfig) HTTP() time.Duration { return time.Duration(t.HTTPSeconds) * time.Second }

// STT returns the transcription timeout as a duration.
func (t TimeoutConfig) STT() time.Duration { return time.Duration(t.STTSeconds) * time.Second }

// TTS returns the synthesis timeout as a duration.
func (t TimeoutConfig) TTS() time.Duration { return time.Duration(t.TTSSeconds) * time.Second }

// LLM returns the completion timeout as a duration.
func (t TimeoutConfig) LLM() time.Duration { return time.Duration(t.LLMSeconds) * time.Second }

// ARI returns the PBX request timeout as a duration.
func (t TimeoutConfig) ARI() time.Duration { return time.Duration(t.ARISeconds) * time.Second }

// ScenariosConfig locates the scenario YAML files.
type ScenariosConfig struct {
	Dir string `yaml:"dir"`
}

// ServerConfig holds logging and the optional admin HTTP listener serving
// /healthz, /readyz, and /metrics.
type ServerConfig struct {
	// ListenAddr is the admin TCP address (e.g. ":9090"). Empty disables
	// the admin server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// Default returns a Config populated with the stock defaults. Loaders start
// from this value so that an empty file or environment still yields a
// runnable configuration.
func Default() *Config {
	return &Config{
		ARI: ARIConfig{
			BaseURL: "http://127.0.0.1:8088/ari",
			WSURL:   "ws://127.0.0.1:8088/ari/events",
			AppName: "sedaflow",
		},
		STT: STTConfig{
			URL:       "https://partai.gw.isahab.ir/avanegar/v2/avanegar/request",
			VerifySSL: true,
		},
		TTS: TTSConfig{
			URL:       "https://partai.gw.isahab.ir/avasho/v2/avasho/request",
			VerifySSL: true,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.gapgpt.app/v1",
			Model:   "gpt-4o-mini",
		},
		Dialer: DialerConfig{
			OutboundTrunk:             "TO-CUCM-Gaptel",
			DefaultCallerID:           "1000",
			OriginationTimeoutSeconds: 30,
			MaxConcurrentCalls:        2,
			MaxCallsPerMinute:         10,
			MaxCallsPerDay:            200,
			MaxOriginationsPerSecond:  3,
			CallWindowStart:           "00:00",
			CallWindowEnd:             "23:59",
			BatchSize:                 10,
			DefaultRetrySeconds:       60,
		},
		Operator: OperatorConfig{
			Extension:      "200",
			TimeoutSeconds: 30,
		},
		SMS: SMSConfig{
			FailAlertThreshold: 3,
		},
		Concurrency: ConcurrencyConfig{
			MaxParallelSTT:     50,
			MaxParallelTTS:     50,
			MaxParallelLLM:     10,
			HTTPMaxConnections: 100,
		},
		Timeouts: TimeoutConfig{
			HTTPSeconds: 10,
			STTSeconds:  30,
			TTSSeconds:  30,
			LLMSeconds:  20,
			ARISeconds:  10,
		},
		Scenarios: ScenariosConfig{
			Dir: "scenarios",
		},
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
	}
}
