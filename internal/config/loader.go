package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load resolves the full configuration: built-in defaults, then the YAML
// file at path (skipped when path is empty), then environment variables.
// The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Environment variables are not consulted. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file keeps the defaults
		}
		return err
	}
	return nil
}

// applyEnv overrides cfg fields from environment variables. Unset and
// malformed values leave the current value in place.
func applyEnv(cfg *Config) {
	envString("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	envInt("SHUTDOWN_TIMEOUT_MS", &cfg.Server.ShutdownTimeoutMS)

	envString("STT_API_KEY", &cfg.STT.APIKey)
	envString("STT_MODEL", &cfg.STT.Model)
	envString("STT_LANGUAGE", &cfg.STT.Language)
	envInt("STT_ENDPOINTING_MS", &cfg.STT.EndpointingMS)
	envInt("STT_CONNECTION_TIMEOUT_MS", &cfg.STT.ConnectionTimeoutMS)
	envInt("STT_KEEPALIVE_INTERVAL_MS", &cfg.STT.KeepaliveIntervalMS)

	envString("LLM_PROVIDER", &cfg.LLM.Provider)
	envString("LLM_API_KEY", &cfg.LLM.APIKey)
	envString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	envString("LLM_MODEL", &cfg.LLM.Model)
	envString("LLM_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)
	envFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envInt("LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("LLM_TOP_P", &cfg.LLM.TopP)
	envFloat("LLM_FREQUENCY_PENALTY", &cfg.LLM.FrequencyPenalty)
	envFloat("LLM_PRESENCE_PENALTY", &cfg.LLM.PresencePenalty)
	envInt("LLM_REQUEST_TIMEOUT_MS", &cfg.LLM.RequestTimeoutMS)
	envInt("LLM_MAX_QUEUE_SIZE", &cfg.LLM.MaxQueueSize)

	envString("TTS_API_KEY", &cfg.TTS.APIKey)
	envString("TTS_MODEL", &cfg.TTS.Model)
	envString("TTS_VOICE_ID", &cfg.TTS.VoiceID)
	envFloat("TTS_SPEED", &cfg.TTS.Speed)
	envInt("TTS_SAMPLE_RATE", &cfg.TTS.SampleRate)
	envInt("TTS_CONNECTION_TIMEOUT_MS", &cfg.TTS.ConnectionTimeoutMS)
	envInt("TTS_KEEPALIVE_INTERVAL_MS", &cfg.TTS.KeepaliveIntervalMS)

	envInt("MAX_SESSIONS", &cfg.Session.MaxSessions)
	envInt("SESSION_IDLE_TIMEOUT_MS", &cfg.Session.IdleTimeoutMS)
	envInt("SESSION_MAX_DURATION_MS", &cfg.Session.MaxDurationMS)
	envInt("CLEANUP_INTERVAL_MS", &cfg.Session.CleanupIntervalMS)
	envInt("SESSION_FINALIZE_WAIT_MS", &cfg.Session.FinalizeWaitMS)

	envString("SEMANTIC_BREAK_MARKER", &cfg.Semantic.BreakMarker)
	envInt("SEMANTIC_MAX_BUFFER_SIZE", &cfg.Semantic.MaxBufferSize)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeoutMS <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout_ms must be positive"))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.STT.APIKey == "" {
		errs = append(errs, errors.New("stt.api_key is required (STT_API_KEY)"))
	}
	if cfg.STT.ConnectionTimeoutMS <= 0 {
		errs = append(errs, errors.New("stt.connection_timeout_ms must be positive"))
	}
	if cfg.STT.KeepaliveIntervalMS <= 0 {
		errs = append(errs, errors.New("stt.keepalive_interval_ms must be positive"))
	}

	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required (LLM_PROVIDER)"))
	}
	if cfg.LLM.APIKey == "" && !LocalLLMProvider(cfg.LLM.Provider) {
		errs = append(errs, errors.New("llm.api_key is required (LLM_API_KEY)"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0.0, 2.0]", cfg.LLM.Temperature))
	}
	if cfg.LLM.TopP <= 0 || cfg.LLM.TopP > 1 {
		errs = append(errs, fmt.Errorf("llm.top_p %.2f is out of range (0.0, 1.0]", cfg.LLM.TopP))
	}
	if cfg.LLM.FrequencyPenalty < -2 || cfg.LLM.FrequencyPenalty > 2 {
		errs = append(errs, fmt.Errorf("llm.frequency_penalty %.2f is out of range [-2.0, 2.0]", cfg.LLM.FrequencyPenalty))
	}
	if cfg.LLM.PresencePenalty < -2 || cfg.LLM.PresencePenalty > 2 {
		errs = append(errs, fmt.Errorf("llm.presence_penalty %.2f is out of range [-2.0, 2.0]", cfg.LLM.PresencePenalty))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}
	if cfg.LLM.RequestTimeoutMS <= 0 {
		errs = append(errs, errors.New("llm.request_timeout_ms must be positive"))
	}
	if cfg.LLM.MaxQueueSize < 0 {
		errs = append(errs, errors.New("llm.max_queue_size must not be negative"))
	}

	if cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts.api_key is required (TTS_API_KEY)"))
	}
	if cfg.TTS.VoiceID == "" {
		errs = append(errs, errors.New("tts.voice_id is required (TTS_VOICE_ID)"))
	}
	if cfg.TTS.Speed != 0 && (cfg.TTS.Speed < 0.5 || cfg.TTS.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("tts.speed %.2f is out of range [0.5, 2.0]", cfg.TTS.Speed))
	}
	if cfg.TTS.ConnectionTimeoutMS <= 0 {
		errs = append(errs, errors.New("tts.connection_timeout_ms must be positive"))
	}
	if cfg.TTS.KeepaliveIntervalMS <= 0 {
		errs = append(errs, errors.New("tts.keepalive_interval_ms must be positive"))
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, errors.New("session.max_sessions must be positive"))
	}
	if cfg.Session.IdleTimeoutMS <= 0 {
		errs = append(errs, errors.New("session.idle_timeout_ms must be positive"))
	}
	if cfg.Session.MaxDurationMS <= 0 {
		errs = append(errs, errors.New("session.max_duration_ms must be positive"))
	}
	if cfg.Session.CleanupIntervalMS <= 0 {
		errs = append(errs, errors.New("session.cleanup_interval_ms must be positive"))
	}

	if cfg.Semantic.BreakMarker == "" {
		errs = append(errs, errors.New("semantic.break_marker is required"))
	}
	if cfg.Semantic.MaxBufferSize <= 0 {
		errs = append(errs, errors.New("semantic.max_buffer_size must be positive"))
	}

	return errors.Join(errs...)
}
