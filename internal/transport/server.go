package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate-ai/voxgate/internal/session"
)

// Sessions creates and releases conversation sessions for accepted
// connections. The application's supervisor satisfies it.
type Sessions interface {
	Create(ctx context.Context, emitter session.Emitter) (*session.Session, error)
	Release(id, reason string)
}

const (
	// defaultReadLimit bounds a single inbound frame. Audio chunks are the
	// largest client messages and stay well under this.
	defaultReadLimit = 1 << 20

	defaultWriteTimeout = 10 * time.Second
)

// Server terminates client WebSocket connections and drives one session per
// connection from its read loop.
type Server struct {
	sessions     Sessions
	log          *slog.Logger
	readLimit    int64
	writeTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithReadLimit overrides the per-frame inbound size limit.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithWriteTimeout overrides the per-frame outbound write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer returns a Server creating sessions through the given factory.
func NewServer(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		log:          slog.Default(),
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection until the client
// disconnects or the session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	emitter := newConnEmitter(conn, s.log, s.writeTimeout)
	sess, err := s.sessions.Create(r.Context(), emitter)
	if err != nil {
		s.log.Warn("session create rejected", "remote", r.RemoteAddr, "error", err)
		emitter.Error("SESSION_REJECTED", err.Error(), false)
		conn.Close(websocket.StatusTryAgainLater, "session rejected")
		return
	}

	log := s.log.With("session_id", sess.ID, "remote", r.RemoteAddr)
	log.Info("client connected")
	defer s.sessions.Release(sess.ID, "connection closed")

	s.readLoop(r.Context(), conn, sess, emitter, log)
	log.Info("client disconnected")
}

// readLoop decodes inbound frames and dispatches them to the session. Turns
// run on their own goroutine so audio arriving while the agent responds is
// still read (and dropped by the session) instead of backing up the socket.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, emitter *connEmitter, log *slog.Logger) {
	var turns sync.WaitGroup
	defer turns.Wait()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				log.Info("connection closed", "status", status)
			} else if ctx.Err() == nil {
				log.Warn("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			emitter.Error("INVALID_MESSAGE", "expected binary frames", true)
			continue
		}

		msg, err := Decode(data)
		if err != nil {
			log.Warn("malformed frame", "error", err)
			emitter.Error("INVALID_MESSAGE", err.Error(), true)
			continue
		}

		switch msg.Kind {
		case KindInputStart:
			if err := sess.HandleInputStart(msg.Header.SampleRate); err != nil {
				emitter.Error("UNSUPPORTED_AUDIO", err.Error(), true)
			}
		case KindInputChunk:
			if err := sess.HandleAudioChunk(msg.Payload); err != nil {
				log.Warn("audio chunk dropped", "error", err)
			}
		case KindInputEnd:
			turns.Add(1)
			go func() {
				defer turns.Done()
				if err := sess.HandleInputEnd(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("turn failed", "error", err)
				}
			}()
		default:
			emitter.Error("INVALID_MESSAGE", "unexpected kind "+msg.Kind.String(), true)
		}
	}
}

// connEmitter adapts a WebSocket connection to the session's outbound event
// interface. Writes are serialized; a failed write is logged and dropped, the
// read loop notices the dead connection and tears the session down.
type connEmitter struct {
	conn         *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	mu sync.Mutex
}

var _ session.Emitter = (*connEmitter)(nil)

func newConnEmitter(conn *websocket.Conn, log *slog.Logger, writeTimeout time.Duration) *connEmitter {
	return &connEmitter{conn: conn, log: log, writeTimeout: writeTimeout}
}

func (e *connEmitter) send(msg Message) {
	frame, err := Encode(msg)
	if err != nil {
		e.log.Error("encode outbound frame", "kind", msg.Kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		e.log.Debug("outbound frame dropped", "kind", msg.Kind, "error", err)
	}
}

func (e *connEmitter) Ready(sessionID string) {
	e.send(Message{Kind: KindAck, Header: Header{SessionID: sessionID}})
}

func (e *connEmitter) Interim(text string, confidence float64) {
	e.send(Message{Kind: KindInterim, Header: Header{Text: text, Confidence: confidence}})
}

func (e *connEmitter) Final(text string, confidence float64) {
	e.send(Message{Kind: KindFinal, Header: Header{Text: text, Confidence: confidence}})
}

func (e *connEmitter) AudioStart(utteranceID string) {
	e.send(Message{Kind: KindOutputStart, Header: Header{UtteranceID: utteranceID}})
}

func (e *connEmitter) Audio(utteranceID string, pcm []byte) {
	e.send(Message{Kind: KindOutputChunk, Header: Header{UtteranceID: utteranceID}, Payload: pcm})
}

func (e *connEmitter) AudioEnd(utteranceID string) {
	e.send(Message{Kind: KindOutputComplete, Header: Header{UtteranceID: utteranceID}})
}

func (e *connEmitter) Error(code, message string, retryable bool) {
	e.send(Message{Kind: KindError, Header: Header{Code: code, Message: message, Retryable: retryable}})
}

func (e *connEmitter) Ended(reason string) {
	e.send(Message{Kind: KindEnded, Header: Header{Reason: reason}})
	e.conn.Close(websocket.StatusNormalClosure, reason)
}
