// Package app wires all voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order. The [Supervisor] in this package owns the
// session population between those two calls.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithLogger). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxgate-ai/voxgate/internal/config"
	"github.com/voxgate-ai/voxgate/internal/health"
	"github.com/voxgate-ai/voxgate/internal/observe"
	"github.com/voxgate-ai/voxgate/internal/session"
	"github.com/voxgate-ai/voxgate/internal/transport"
)

// App owns all subsystem lifetimes: the session supervisor, the WebSocket
// transport, and the HTTP server carrying the transport plus the health and
// metrics endpoints.
type App struct {
	cfg        *config.Config
	providers  session.Providers
	metrics    *observe.Metrics
	log        *slog.Logger
	supervisor *Supervisor
	ws         *transport.Server
	srv        *http.Server

	mu sync.Mutex
	ln net.Listener

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of using the package-level
// default backed by the global OTel provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. The providers come
// from main.go; all three slots must be populated.
func New(cfg *config.Config, providers session.Providers, opts ...Option) (*App, error) {
	if providers.STT == nil {
		return nil, fmt.Errorf("app: stt provider is required")
	}
	if providers.LLM == nil {
		return nil, fmt.Errorf("app: llm provider is required")
	}
	if providers.TTS == nil {
		return nil, fmt.Errorf("app: tts provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.supervisor = NewSupervisor(providers, sessionConfigFrom(cfg), supervisorConfigFrom(cfg))
	a.supervisor.OnRemove(a.recordSessionEnd)

	a.ws = transport.NewServer(
		&meteredSessions{sup: a.supervisor, metrics: a.metrics},
		transport.WithLogger(a.log),
	)

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// buildHandler assembles the HTTP routing tree. The websocket route bypasses
// the observability middleware because the upgrade needs the raw
// http.ResponseWriter.
func (a *App) buildHandler() http.Handler {
	api := http.NewServeMux()
	health.New(health.Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if !a.supervisor.Accepting() {
				return fmt.Errorf("not accepting new sessions")
			}
			return nil
		},
	}).Register(api)
	api.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.Handle("/ws", a.ws)
	root.Handle("/", observe.Middleware(a.metrics)(api))
	return root
}

// Run binds the listen address and serves HTTP until ctx is cancelled or the
// server fails. It returns ctx.Err() on cancellation; call Shutdown after.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.srv.Addr, err)
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tls := a.cfg.Server.TLS; tls != nil {
			serveErr = a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			serveErr = a.srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	a.log.Info("server listening",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"max_sessions", a.cfg.Session.MaxSessions,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the bound listen address once Run has started, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Supervisor exposes the session supervisor, mainly for stats inspection.
func (a *App) Supervisor() *Supervisor {
	return a.supervisor
}

// Shutdown stops the HTTP server and ends every active session. It respects
// the context deadline: if ctx expires mid-teardown the remaining sessions
// are abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		// Stop accepting HTTP. WebSocket connections are hijacked and thus
		// not covered by srv.Shutdown; the supervisor closes them by ending
		// their sessions.
		if err := a.srv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "error", err)
			shutdownErr = err
		}

		if err := a.supervisor.Shutdown(ctx); err != nil {
			a.log.Warn("supervisor shutdown error", "error", err)
			shutdownErr = err
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// recordSessionEnd folds a removed session's final counters into the metrics.
func (a *App) recordSessionEnd(snap session.Metrics, reason string) {
	ctx := context.Background()
	m := a.metrics

	m.RecordSessionEnd(ctx, reason)
	if snap.AudioChunksIn > 0 {
		m.AudioChunksIn.Add(ctx, snap.AudioChunksIn)
	}
	if snap.ChunksSpoken > 0 {
		m.TTSChunksOut.Add(ctx, snap.ChunksSpoken)
	}
	if ok := snap.TurnsCompleted - snap.FallbackTurns; ok > 0 {
		m.LLMRequests.Add(ctx, ok, metric.WithAttributes(attribute.String("status", "ok")))
	}
	if snap.FallbackTurns > 0 {
		m.LLMRequests.Add(ctx, snap.FallbackTurns, metric.WithAttributes(attribute.String("status", "error")))
	}
	for i, n := range snap.LLMFallbacks {
		if n > 0 {
			m.LLMFallbacks.Add(ctx, int64(n), metric.WithAttributes(attribute.Int("tier", i+1)))
		}
	}
	if snap.STTReconnects > 0 {
		m.ProviderReconnects.Add(ctx, int64(snap.STTReconnects), metric.WithAttributes(observe.Attr("provider", "stt")))
	}
	if snap.TTSReconnects > 0 {
		m.ProviderReconnects.Add(ctx, int64(snap.TTSReconnects), metric.WithAttributes(observe.Attr("provider", "tts")))
	}
}

// meteredSessions adapts the supervisor to the transport's session factory,
// recording lifecycle metrics and wrapping emitters for per-event telemetry.
type meteredSessions struct {
	sup     *Supervisor
	metrics *observe.Metrics
}

var _ transport.Sessions = (*meteredSessions)(nil)

func (m *meteredSessions) Create(ctx context.Context, emitter session.Emitter) (*session.Session, error) {
	if emitter != nil {
		emitter = &meteredEmitter{Emitter: emitter, metrics: m.metrics}
	}
	sess, err := m.sup.Create(ctx, emitter)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordSessionStart(ctx)
	return sess, nil
}

func (m *meteredSessions) Release(id, reason string) {
	m.sup.Release(id, reason)
}

// meteredEmitter wraps a session emitter to count transcripts and observe
// pipeline latencies as events pass through to the client.
//
// Timing is derived from event order within one session: interim-to-final
// settle latency, final-to-first-audio generation latency, and
// final-to-last-audio turn latency (flushed when the next turn's final
// arrives or the session ends).
type meteredEmitter struct {
	session.Emitter
	metrics *observe.Metrics

	mu           sync.Mutex
	lastInterim  time.Time
	finalAt      time.Time
	lastAudioEnd time.Time
	genRecorded  bool
}

func (e *meteredEmitter) Interim(text string, confidence float64) {
	e.mu.Lock()
	e.lastInterim = time.Now()
	e.mu.Unlock()
	e.metrics.RecordTranscript(context.Background(), "interim")
	e.Emitter.Interim(text, confidence)
}

func (e *meteredEmitter) Final(text string, confidence float64) {
	ctx := context.Background()
	now := time.Now()

	e.mu.Lock()
	e.flushTurnLocked(ctx)
	if !e.lastInterim.IsZero() {
		e.metrics.TranscriptionFinalize.Record(ctx, now.Sub(e.lastInterim).Seconds())
		e.lastInterim = time.Time{}
	}
	e.finalAt = now
	e.genRecorded = false
	e.mu.Unlock()

	e.metrics.RecordTranscript(ctx, "final")
	e.Emitter.Final(text, confidence)
}

func (e *meteredEmitter) AudioStart(utteranceID string) {
	e.mu.Lock()
	if !e.finalAt.IsZero() && !e.genRecorded {
		e.metrics.LLMDuration.Record(context.Background(), time.Since(e.finalAt).Seconds())
		e.genRecorded = true
	}
	e.mu.Unlock()
	e.Emitter.AudioStart(utteranceID)
}

func (e *meteredEmitter) AudioEnd(utteranceID string) {
	e.mu.Lock()
	e.lastAudioEnd = time.Now()
	e.mu.Unlock()
	e.Emitter.AudioEnd(utteranceID)
}

func (e *meteredEmitter) Ended(reason string) {
	e.mu.Lock()
	e.flushTurnLocked(context.Background())
	e.mu.Unlock()
	e.Emitter.Ended(reason)
}

// flushTurnLocked records the previous turn's total duration if one completed.
func (e *meteredEmitter) flushTurnLocked(ctx context.Context) {
	if !e.finalAt.IsZero() && e.lastAudioEnd.After(e.finalAt) {
		e.metrics.TurnDuration.Record(ctx, e.lastAudioEnd.Sub(e.finalAt).Seconds())
	}
	e.finalAt = time.Time{}
	e.lastAudioEnd = time.Time{}
}

// sessionConfigFrom maps the application config onto per-session tunables.
func sessionConfigFrom(cfg *config.Config) session.Config {
	connect := cfg.STT.ConnectionTimeout()
	if t := cfg.TTS.ConnectionTimeout(); t > connect {
		connect = t
	}
	return session.Config{
		SystemPrompt:     cfg.LLM.SystemPrompt,
		LLMModel:         cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		TopP:             cfg.LLM.TopP,
		FrequencyPenalty: cfg.LLM.FrequencyPenalty,
		PresencePenalty:  cfg.LLM.PresencePenalty,
		QueueBound:       cfg.LLM.MaxQueueSize,
		ChunkMarker:      cfg.Semantic.BreakMarker,
		MaxChunkBuffer:   cfg.Semantic.MaxBufferSize,
		STTModel:         cfg.STT.Model,
		Language:         cfg.STT.Language,
		EndpointingMS:    cfg.STT.EndpointingMS,
		TTSModel:         cfg.TTS.Model,
		VoiceID:          cfg.TTS.VoiceID,
		Speed:            cfg.TTS.Speed,
		TTSSampleRate:    cfg.TTS.SampleRate,
		ConnectTimeout:   connect,
		RequestTimeout:   cfg.LLM.RequestTimeout(),
		STTKeepalive:     cfg.STT.KeepaliveInterval(),
		TTSKeepalive:     cfg.TTS.KeepaliveInterval(),
		FinalizeWait:     cfg.Session.FinalizeWait(),
	}
}

// supervisorConfigFrom maps the application config onto session lifecycle
// limits.
func supervisorConfigFrom(cfg *config.Config) SupervisorConfig {
	return SupervisorConfig{
		MaxSessions:     cfg.Session.MaxSessions,
		IdleTimeout:     cfg.Session.IdleTimeout(),
		MaxLifetime:     cfg.Session.MaxDuration(),
		CleanupInterval: cfg.Session.CleanupInterval(),
	}
}
