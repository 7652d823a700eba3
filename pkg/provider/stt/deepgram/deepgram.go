// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/voxgate-ai/voxgate/internal/classify"
	"github.com/voxgate-ai/voxgate/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Control verbs understood by the Deepgram streaming socket.
var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	finalizeMsg    = []byte(`{"type":"Finalize"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used for tests and
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("deepgram: dial: %w",
				&classify.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:   conn,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	sess.events <- stt.Open{}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	if cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMS))
	}
	if cfg.VADEvents {
		q.Set("vad_events", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram streaming message.
// Only the fields the session dispatches on are declared.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// session is a live Deepgram streaming session. It implements stt.Session.
type session struct {
	conn   *websocket.Conn
	events chan stt.Event
	audio  chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Events returns the session's event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// KeepAlive sends the Deepgram KeepAlive control message.
func (s *session) KeepAlive() error {
	return s.control(keepAliveMsg)
}

// Finalize asks Deepgram to flush buffered audio into a final transcript.
func (s *session) Finalize() error {
	return s.control(finalizeMsg)
}

func (s *session) control(msg []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		return fmt.Errorf("deepgram: write control: %w", err)
	}
	return nil
}

// Close terminates the session cleanly. CloseStream tells Deepgram to flush
// pending audio before the socket goes down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, closeStreamMsg)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// event channel. It owns the channel and closes it on exit.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			select {
			case <-s.done:
				// Caller asked for the close; no error event.
			default:
				if code == -1 {
					s.emit(ctx, stt.ErrorEvent{Err: fmt.Errorf("deepgram: read: %w", err)})
				}
			}
			s.emit(ctx, stt.Close{Code: int(code), Reason: closeReason(err)})
			return
		}

		ev, ok := parseMessage(msg)
		if !ok {
			continue
		}
		s.emit(ctx, ev)
	}
}

func (s *session) emit(ctx context.Context, ev stt.Event) {
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

// parseMessage parses a raw Deepgram WebSocket message into an Event.
// Returns (nil, false) for messages the pipeline does not care about, such
// as empty interim transcripts.
func parseMessage(data []byte) (stt.Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return nil, false
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" && !resp.IsFinal {
			return nil, false
		}
		return stt.Transcript{
			Text:        alt.Transcript,
			IsFinal:     resp.IsFinal,
			Confidence:  alt.Confidence,
			SpeechFinal: resp.SpeechFinal,
		}, true
	case "SpeechStarted":
		return stt.SpeechStarted{}, true
	case "Metadata":
		return stt.Metadata{Raw: data}, true
	case "Error":
		msg := resp.Description
		if msg == "" {
			msg = resp.Message
		}
		return stt.ErrorEvent{Err: fmt.Errorf("deepgram: %w: %s", classify.ErrProtocol, msg)}, true
	default:
		return nil, false
	}
}

// Ensure the interfaces are satisfied at compile time.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Session  = (*session)(nil)
)
