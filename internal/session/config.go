package session

import "time"

// Config carries the per-session tunables resolved from application config.
// Zero values are filled in by withDefaults.
type Config struct {
	// SystemPrompt seeds the conversation history.
	SystemPrompt string

	// LLMModel, Temperature, MaxTokens, TopP, and the two repetition
	// penalties shape generation requests. Zero-valued penalties leave the
	// provider defaults in place.
	LLMModel         string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64

	// QueueBound caps the number of queued LLM requests per session.
	// Zero means unbounded.
	QueueBound int

	// ChunkMarker is the delimiter the LLM is prompted to emit between
	// speakable chunks. MaxChunkBuffer forces a flush when the accumulator
	// grows past this many bytes.
	ChunkMarker    string
	MaxChunkBuffer int

	// STTModel and Language configure the transcription stream.
	STTModel string
	Language string

	// TTSModel, VoiceID, Speed, and TTSSampleRate configure synthesis.
	// Synthesized audio is resampled from TTSSampleRate to EgressSampleRate
	// before it reaches the client.
	TTSModel         string
	VoiceID          string
	Speed            float64
	TTSSampleRate    int
	EgressSampleRate int

	// EndpointingMS is the STT silence threshold that marks end of speech.
	EndpointingMS int

	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	STTKeepalive time.Duration
	TTSKeepalive time.Duration
	FinalizeWait time.Duration

	// ReconnectBufferBytes caps the audio and text held while a provider
	// connection is re-established.
	ReconnectBufferBytes int
}

const (
	defaultTemperature    = 0.7
	defaultMaxTokens      = 500
	defaultTopP           = 1.0
	defaultQueueBound     = 10
	defaultChunkMarker    = "||BREAK||"
	defaultMaxChunkBuffer = 400
	defaultEndpointingMS  = 300

	defaultConnectTimeout  = 5 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultSTTKeepalive = 8 * time.Second
	defaultTTSKeepalive = 30 * time.Second
	defaultFinalizeWait = 2 * time.Second

	defaultTTSSampleRate    = 16000
	defaultEgressSampleRate = 48000

	defaultReconnectBufferBytes = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.QueueBound < 0 {
		c.QueueBound = defaultQueueBound
	}
	if c.ChunkMarker == "" {
		c.ChunkMarker = defaultChunkMarker
	}
	if c.MaxChunkBuffer == 0 {
		c.MaxChunkBuffer = defaultMaxChunkBuffer
	}
	if c.EndpointingMS == 0 {
		c.EndpointingMS = defaultEndpointingMS
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.STTKeepalive == 0 {
		c.STTKeepalive = defaultSTTKeepalive
	}
	if c.TTSKeepalive == 0 {
		c.TTSKeepalive = defaultTTSKeepalive
	}
	if c.FinalizeWait == 0 {
		c.FinalizeWait = defaultFinalizeWait
	}
	if c.TTSSampleRate == 0 {
		c.TTSSampleRate = defaultTTSSampleRate
	}
	if c.EgressSampleRate == 0 {
		c.EgressSampleRate = defaultEgressSampleRate
	}
	if c.ReconnectBufferBytes == 0 {
		c.ReconnectBufferBytes = defaultReconnectBufferBytes
	}
	return c
}
