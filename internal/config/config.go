// Package config provides the configuration schema and loader for the
// voxgate voice agent gateway.
//
// Configuration resolves in three layers: built-in defaults, an optional
// YAML file, and environment variables (highest precedence). Timeouts and
// intervals are expressed in milliseconds to keep the YAML keys and the
// environment variable names aligned.
package config

import "time"

// LogLevel controls log verbosity for the voxgate server.
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

// Config is the root configuration structure for voxgate.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	STT      STTConfig      `yaml:"stt"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Session  SessionConfig  `yaml:"session"`
	Semantic SemanticConfig `yaml:"semantic"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeoutMS bounds graceful teardown on exit.
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// ShutdownTimeout returns the graceful teardown bound as a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMS) }

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// STTConfig configures the speech-to-text provider connection.
type STTConfig struct {
	// APIKey authenticates against the transcription provider. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the transcription model (e.g., "nova-2").
	Model string `yaml:"model"`

	// Language is the BCP-47 transcription language hint.
	Language string `yaml:"language"`

	// EndpointingMS is the provider-side silence threshold that marks end of
	// speech.
	EndpointingMS int `yaml:"endpointing_ms"`

	// ConnectionTimeoutMS bounds the WebSocket dial.
	ConnectionTimeoutMS int `yaml:"connection_timeout_ms"`

	// KeepaliveIntervalMS is the idle keepalive period on the stream.
	KeepaliveIntervalMS int `yaml:"keepalive_interval_ms"`
}

// LocalLLMProvider reports whether the named provider runs locally and thus
// needs no API key.
func LocalLLMProvider(name string) bool {
	switch name {
	case "ollama", "llamacpp", "llamafile":
		return true
	}
	return false
}

// LLMConfig configures response generation.
type LLMConfig struct {
	// Provider selects the backend: "openai" uses the native client, any
	// other supported name ("anthropic", "gemini", "ollama", "deepseek",
	// "mistral", "groq", "llamacpp", "llamafile") goes through any-llm.
	Provider string `yaml:"provider"`

	// APIKey authenticates against the model provider. Required unless the
	// provider runs locally.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint. Local providers use it for
	// the server address.
	BaseURL string `yaml:"base_url"`

	// Model selects the chat model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// SystemPrompt seeds every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`

	// TopP sets the nucleus sampling threshold in (0.0, 1.0].
	TopP float64 `yaml:"top_p"`

	// FrequencyPenalty discourages repeating tokens proportionally to how
	// often they already appeared, in [-2.0, 2.0]. Zero leaves the provider
	// default.
	FrequencyPenalty float64 `yaml:"frequency_penalty"`

	// PresencePenalty discourages any token that already appeared, in
	// [-2.0, 2.0]. Zero leaves the provider default.
	PresencePenalty float64 `yaml:"presence_penalty"`

	// RequestTimeoutMS bounds a single generation request.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`

	// MaxQueueSize caps queued generation requests per session. Zero means
	// unbounded.
	MaxQueueSize int `yaml:"max_queue_size"`
}

// TTSConfig configures the text-to-speech provider connection.
type TTSConfig struct {
	// APIKey authenticates against the synthesis provider. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the synthesis model (e.g., "sonic-2").
	Model string `yaml:"model"`

	// VoiceID is the provider-specific voice identifier. Required.
	VoiceID string `yaml:"voice_id"`

	// Speed adjusts speaking rate in [0.5, 2.0]. Zero means provider default.
	Speed float64 `yaml:"speed"`

	// SampleRate is the PCM rate synthesis is requested at. Synthesized audio
	// is resampled to 48 kHz before it reaches the client.
	SampleRate int `yaml:"sample_rate"`

	// ConnectionTimeoutMS bounds the WebSocket dial.
	ConnectionTimeoutMS int `yaml:"connection_timeout_ms"`

	// KeepaliveIntervalMS is the idle keepalive period on the stream.
	KeepaliveIntervalMS int `yaml:"keepalive_interval_ms"`
}

// SessionConfig holds session lifecycle limits.
type SessionConfig struct {
	// MaxSessions caps concurrently active sessions.
	MaxSessions int `yaml:"max_sessions"`

	// IdleTimeoutMS evicts sessions with no client activity for this long.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`

	// MaxDurationMS evicts sessions older than this regardless of activity.
	MaxDurationMS int `yaml:"max_duration_ms"`

	// CleanupIntervalMS is the eviction sweep period.
	CleanupIntervalMS int `yaml:"cleanup_interval_ms"`

	// FinalizeWaitMS bounds the wait for the flushed transcript at end of
	// utterance.
	FinalizeWaitMS int `yaml:"finalize_wait_ms"`
}

// SemanticConfig tunes how generated text is split into speakable chunks.
type SemanticConfig struct {
	// BreakMarker is the delimiter the model is prompted to emit between
	// speakable chunks.
	BreakMarker string `yaml:"break_marker"`

	// MaxBufferSize forces a flush when the accumulator grows past this many
	// bytes without a marker.
	MaxBufferSize int `yaml:"max_buffer_size"`
}

// Default returns a Config populated with every built-in default. API keys
// and the TTS voice have no defaults and must come from the file or the
// environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			LogLevel:          LogInfo,
			ShutdownTimeoutMS: 15000,
		},
		STT: STTConfig{
			Model:               "nova-2",
			Language:            "en",
			EndpointingMS:       300,
			ConnectionTimeoutMS: 5000,
			KeepaliveIntervalMS: 8000,
		},
		LLM: LLMConfig{
			Provider:         "openai",
			Model:            "gpt-4o-mini",
			Temperature:      0.7,
			MaxTokens:        500,
			TopP:             1.0,
			RequestTimeoutMS: 30000,
			MaxQueueSize:     10,
		},
		TTS: TTSConfig{
			Model:               "sonic-2",
			SampleRate:          16000,
			ConnectionTimeoutMS: 5000,
			KeepaliveIntervalMS: 30000,
		},
		Session: SessionConfig{
			MaxSessions:       50,
			IdleTimeoutMS:     1800000,
			MaxDurationMS:     7200000,
			CleanupIntervalMS: 300000,
			FinalizeWaitMS:    2000,
		},
		Semantic: SemanticConfig{
			BreakMarker:   "||BREAK||",
			MaxBufferSize: 400,
		},
	}
}

// ms converts a millisecond count to a Duration.
func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ConnectionTimeout returns the dial timeout as a Duration.
func (c STTConfig) ConnectionTimeout() time.Duration { return ms(c.ConnectionTimeoutMS) }

// KeepaliveInterval returns the stream keepalive period as a Duration.
func (c STTConfig) KeepaliveInterval() time.Duration { return ms(c.KeepaliveIntervalMS) }

// RequestTimeout returns the per-request bound as a Duration.
func (c LLMConfig) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMS) }

// ConnectionTimeout returns the dial timeout as a Duration.
func (c TTSConfig) ConnectionTimeout() time.Duration { return ms(c.ConnectionTimeoutMS) }

// KeepaliveInterval returns the stream keepalive period as a Duration.
func (c TTSConfig) KeepaliveInterval() time.Duration { return ms(c.KeepaliveIntervalMS) }

// IdleTimeout returns the idle eviction threshold as a Duration.
func (c SessionConfig) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMS) }

// MaxDuration returns the lifetime eviction threshold as a Duration.
func (c SessionConfig) MaxDuration() time.Duration { return ms(c.MaxDurationMS) }

// CleanupInterval returns the eviction sweep period as a Duration.
func (c SessionConfig) CleanupInterval() time.Duration { return ms(c.CleanupIntervalMS) }

// FinalizeWait returns the end-of-utterance flush bound as a Duration.
func (c SessionConfig) FinalizeWait() time.Duration { return ms(c.FinalizeWaitMS) }
