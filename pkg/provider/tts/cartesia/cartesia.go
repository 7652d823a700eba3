// Package cartesia provides a Cartesia-backed TTS provider using the Cartesia
// streaming WebSocket API. It implements the tts.Provider interface.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/voxgate-ai/voxgate/internal/classify"
	"github.com/voxgate-ai/voxgate/pkg/provider/tts"
)

const (
	cartesiaEndpoint  = "wss://api.cartesia.ai/tts/websocket"
	defaultModel      = "sonic-2"
	defaultVersion    = "2025-04-16"
	defaultSampleRate = 24000

	// maxTranscriptLen is the longest transcript submitted in one request.
	// Longer inputs are truncated with a warning rather than rejected.
	maxTranscriptLen = 5000
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g., "sonic-2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVersion sets the Cartesia API version header value.
func WithVersion(version string) Option {
	return func(p *Provider) {
		p.version = version
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the Cartesia streaming API.
type Provider struct {
	apiKey   string
	model    string
	version  string
	endpoint string
}

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		version:  defaultVersion,
		endpoint: cartesiaEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect opens a synthesis stream with Cartesia.
func (p *Provider) Connect(ctx context.Context, cfg tts.SynthesisConfig) (tts.Stream, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("cartesia: cfg.VoiceID must not be empty")
	}

	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("cartesia: build URL: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("cartesia: dial: %w",
				&classify.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("cartesia: dial: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}

	st := &stream{
		conn:       conn,
		model:      model,
		voiceID:    cfg.VoiceID,
		sampleRate: rate,
		speed:      cfg.Speed,
		events:     make(chan tts.Event, 64),
		done:       make(chan struct{}),
	}

	st.wg.Add(1)
	go st.readLoop(ctx)

	return st, nil
}

// buildURL constructs the Cartesia streaming endpoint URL with credentials.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", p.version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// ttsRequest is the JSON payload submitted per utterance.
type ttsRequest struct {
	ModelID      string       `json:"model_id"`
	Voice        voiceRef     `json:"voice"`
	Transcript   string       `json:"transcript"`
	Continue     bool         `json:"continue"`
	ContextID    string       `json:"context_id"`
	OutputFormat outputFormat `json:"output_format"`
	Speed        float64      `json:"speed,omitempty"`
}

type voiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// ttsResponse is the JSON structure of a Cartesia streaming message.
type ttsResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data"` // base64-encoded PCM
	ContextID string `json:"context_id"`
	Error     string `json:"error"`
}

// stream is a live Cartesia synthesis stream. It implements tts.Stream.
type stream struct {
	conn       *websocket.Conn
	model      string
	voiceID    string
	sampleRate int
	speed      float64

	events chan tts.Event

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Synthesize submits text as a single utterance identified by utteranceID.
// Text is trimmed and truncated to the provider's transcript limit.
func (s *stream) Synthesize(utteranceID, text string) error {
	select {
	case <-s.done:
		return errors.New("cartesia: stream is closed")
	default:
	}
	if utteranceID == "" {
		return errors.New("cartesia: utteranceID must not be empty")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("cartesia: text must not be empty")
	}
	if len(text) > maxTranscriptLen {
		slog.Warn("truncating oversized transcript",
			"utterance_id", utteranceID, "len", len(text), "max", maxTranscriptLen)
		text = text[:maxTranscriptLen]
	}

	req := ttsRequest{
		ModelID:    s.model,
		Voice:      voiceRef{Mode: "id", ID: s.voiceID},
		Transcript: text,
		Continue:   false,
		ContextID:  utteranceID,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: s.sampleRate,
		},
		Speed: s.speed,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cartesia: marshal request: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("cartesia: write: %w", err)
	}
	return nil
}

// Events returns the stream's event channel.
func (s *stream) Events() <-chan tts.Event { return s.events }

// KeepAlive sends a WebSocket ping to keep the connection warm. Cartesia
// drops idle connections after a few minutes of silence.
func (s *stream) KeepAlive() error {
	select {
	case <-s.done:
		return errors.New("cartesia: stream is closed")
	default:
	}
	if err := s.conn.Ping(context.Background()); err != nil {
		return fmt.Errorf("cartesia: ping: %w", err)
	}
	return nil
}

// Close terminates the stream and releases all resources.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives JSON messages from Cartesia and dispatches them to the
// event channel. It owns the channel and closes it on exit.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			select {
			case <-s.done:
			default:
				if code == -1 {
					s.emit(ctx, tts.ErrorEvent{Err: fmt.Errorf("cartesia: read: %w", err)})
				}
			}
			s.emit(ctx, tts.Close{Code: int(code), Reason: closeReason(err)})
			return
		}

		ev, ok := parseMessage(msg)
		if !ok {
			continue
		}
		s.emit(ctx, ev)
	}
}

func (s *stream) emit(ctx context.Context, ev tts.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// parseMessage parses a raw Cartesia WebSocket message into an Event.
// Returns (nil, false) for message types the pipeline ignores, such as word
// timestamp frames.
func parseMessage(data []byte) (tts.Event, bool) {
	var resp ttsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	switch resp.Type {
	case "chunk":
		if resp.Data == "" {
			return nil, false
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return tts.ErrorEvent{
				UtteranceID: resp.ContextID,
				Err:         fmt.Errorf("cartesia: %w: bad audio payload: %v", classify.ErrProtocol, err),
			}, true
		}
		return tts.AudioChunk{UtteranceID: resp.ContextID, Data: pcm}, true
	case "done":
		return tts.Done{UtteranceID: resp.ContextID}, true
	case "error":
		return tts.ErrorEvent{
			UtteranceID: resp.ContextID,
			Err:         fmt.Errorf("cartesia: synthesis error: %s", resp.Error),
		}, true
	default:
		return nil, false
	}
}

// Ensure the interfaces are satisfied at compile time.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Stream   = (*stream)(nil)
)
