package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/internal/session"
)

// Supervisor lifecycle errors.
var (
	// ErrCapacity is returned by Create when the session limit is reached.
	ErrCapacity = errors.New("app: session capacity reached")

	// ErrShuttingDown is returned by Create once Shutdown has begun.
	ErrShuttingDown = errors.New("app: supervisor shutting down")
)

// SupervisorConfig holds the session lifecycle limits.
type SupervisorConfig struct {
	// MaxSessions caps concurrently active sessions.
	MaxSessions int

	// IdleTimeout evicts sessions with no client activity for this long.
	IdleTimeout time.Duration

	// MaxLifetime evicts sessions older than this regardless of activity.
	MaxLifetime time.Duration

	// CleanupInterval is the sweep period for the two timeouts above.
	CleanupInterval time.Duration
}

const (
	defaultMaxSessions     = 50
	defaultIdleTimeout     = 30 * time.Minute
	defaultMaxLifetime     = 2 * time.Hour
	defaultCleanupInterval = 5 * time.Minute
)

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.MaxSessions == 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = defaultMaxLifetime
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// SupervisorStats is a point-in-time view of the session population.
type SupervisorStats struct {
	ActiveSessions int
	PeakSessions   int
	Created        uint64
	Cleaned        uint64
	Released       uint64

	// HeapAllocBytes is the process heap in use when the snapshot was taken,
	// a coarse memory estimate for the session population.
	HeapAllocBytes uint64

	// Totals aggregates per-session counters across live and ended sessions.
	Totals session.Metrics
}

// Supervisor owns every active session: it enforces the capacity limit,
// evicts idle and over-age sessions on a timer, and tears everything down on
// shutdown. All exported methods are safe for concurrent use.
type Supervisor struct {
	cfg        SupervisorConfig
	providers  session.Providers
	sessionCfg session.Config
	log        *slog.Logger

	// onRemove is invoked once per removed session with its final counter
	// snapshot. Set before the first Create call.
	onRemove func(snap session.Metrics, reason string)

	mu           sync.Mutex
	sessions     map[string]*session.Session
	starting     int
	shuttingDown bool
	created      uint64
	cleaned      uint64
	released     uint64
	peak         int
	totals       session.Metrics

	stop chan struct{}
	done chan struct{}
}

// NewSupervisor creates a Supervisor and starts its cleanup sweep.
func NewSupervisor(providers session.Providers, sessionCfg session.Config, cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		cfg:        cfg.withDefaults(),
		providers:  providers,
		sessionCfg: sessionCfg,
		log:        slog.Default(),
		sessions:   make(map[string]*session.Session),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// OnRemove registers a hook invoked once for every session the supervisor
// removes, with the session's final counter snapshot and the removal reason.
// Must be called before the first Create.
func (s *Supervisor) OnRemove(fn func(snap session.Metrics, reason string)) {
	s.onRemove = fn
}

// Accepting reports whether a new Create call could currently succeed.
func (s *Supervisor) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.shuttingDown && len(s.sessions)+s.starting < s.cfg.MaxSessions
}

// Create starts a new session bound to the given emitter. It fails once the
// capacity limit is reached or shutdown has begun.
func (s *Supervisor) Create(ctx context.Context, emitter session.Emitter) (*session.Session, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if n := len(s.sessions) + s.starting; n >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active", ErrCapacity, n)
	}
	s.starting++
	s.mu.Unlock()

	sess, err := session.New(s.providers, s.sessionCfg, emitter)
	if err == nil {
		err = sess.Start(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting--
	if err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}
	if s.shuttingDown {
		// shutdown raced the provider dial
		go sess.End("server shutting down")
		return nil, ErrShuttingDown
	}

	s.sessions[sess.ID] = sess
	s.created++
	if len(s.sessions) > s.peak {
		s.peak = len(s.sessions)
	}
	s.log.Info("session registered", "session_id", sess.ID, "active", len(s.sessions))
	return sess, nil
}

// Get returns the session with the given id, if still active.
func (s *Supervisor) Get(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Len returns the number of active sessions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Release ends a session on behalf of its transport, typically because the
// client disconnected. Unknown ids are ignored.
func (s *Supervisor) Release(id, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var snap session.Metrics
	if ok {
		delete(s.sessions, id)
		s.released++
		snap = sess.Snapshot()
		s.totals = addMetrics(s.totals, snap)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.endSession(sess, reason)
	if s.onRemove != nil {
		s.onRemove(snap, reason)
	}
}

// cleanupLoop sweeps for idle and over-age sessions until Shutdown.
func (s *Supervisor) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep evicts sessions past their idle or lifetime limits.
func (s *Supervisor) sweep() {
	type eviction struct {
		sess   *session.Session
		snap   session.Metrics
		reason string
	}
	var evict []eviction

	s.mu.Lock()
	for id, sess := range s.sessions {
		var reason string
		switch {
		case sess.IdleFor() > s.cfg.IdleTimeout:
			reason = "idle timeout"
		case sess.Age() > s.cfg.MaxLifetime:
			reason = "session lifetime exceeded"
		default:
			continue
		}
		delete(s.sessions, id)
		s.cleaned++
		snap := sess.Snapshot()
		s.totals = addMetrics(s.totals, snap)
		evict = append(evict, eviction{sess: sess, snap: snap, reason: reason})
	}
	s.mu.Unlock()

	for _, ev := range evict {
		s.log.Info("evicting session", "session_id", ev.sess.ID, "reason", ev.reason)
		s.endSession(ev.sess, ev.reason)
		if s.onRemove != nil {
			s.onRemove(ev.snap, ev.reason)
		}
	}
}

// endSession tears one session down, isolating panics so a misbehaving
// session cannot take the sweep or the shutdown path with it.
func (s *Supervisor) endSession(sess *session.Session, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session teardown panicked", "session_id", sess.ID, "panic", r)
		}
	}()
	sess.End(reason)
}

// Stats returns the current population counters, folding live session
// snapshots into the totals of already-ended ones.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	stats := SupervisorStats{
		ActiveSessions: len(s.sessions),
		PeakSessions:   s.peak,
		Created:        s.created,
		Cleaned:        s.cleaned,
		Released:       s.released,
		Totals:         s.totals,
	}
	s.mu.Unlock()

	for _, sess := range live {
		stats.Totals = addMetrics(stats.Totals, sess.Snapshot())
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats.HeapAllocBytes = mem.HeapAlloc

	return stats
}

// Shutdown stops the cleanup loop and ends every active session. New Create
// calls fail immediately. If ctx expires mid-teardown the remaining sessions
// are abandoned and the context error is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.shuttingDown = true
	type removal struct {
		sess *session.Session
		snap session.Metrics
	}
	remaining := make([]removal, 0, len(s.sessions))
	for id, sess := range s.sessions {
		delete(s.sessions, id)
		snap := sess.Snapshot()
		s.totals = addMetrics(s.totals, snap)
		remaining = append(remaining, removal{sess: sess, snap: snap})
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	s.log.Info("ending sessions", "count", len(remaining))
	for i, rm := range remaining {
		select {
		case <-ctx.Done():
			s.log.Warn("shutdown deadline exceeded", "remaining", len(remaining)-i)
			return ctx.Err()
		default:
		}
		s.endSession(rm.sess, "server shutting down")
		if s.onRemove != nil {
			s.onRemove(rm.snap, "server shutting down")
		}
	}
	return nil
}

func addMetrics(dst, src session.Metrics) session.Metrics {
	dst.AudioChunksIn += src.AudioChunksIn
	dst.EmptyChunksIn += src.EmptyChunksIn
	dst.TurnsCompleted += src.TurnsCompleted
	dst.ChunksSpoken += src.ChunksSpoken
	dst.FallbackTurns += src.FallbackTurns
	dst.SentenceSplits += src.SentenceSplits
	dst.STTReconnects += src.STTReconnects
	dst.TTSReconnects += src.TTSReconnects
	for i := range dst.LLMFallbacks {
		dst.LLMFallbacks[i] += src.LLMFallbacks[i]
	}
	dst.QueuedRequests += src.QueuedRequests
	return dst
}
