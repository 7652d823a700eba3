package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
)

var (
	// ErrQueueFull reports that the per-session generation queue is at its
	// bound. The caller should surface a retryable error to the client.
	ErrQueueFull = errors.New("session: llm queue full")

	// ErrShuttingDown reports that the session stopped accepting generation
	// requests.
	ErrShuttingDown = errors.New("session: shutting down")
)

// fallbackTiers are spoken in place of a generated response when the
// language model fails. The tier escalates with consecutive failures and
// resets on the first success.
var fallbackTiers = []string{
	"I apologize, can you repeat that?",
	"I'm experiencing technical difficulties. Please hold.",
	"I apologize, I'm having connection issues. I'll have someone call you back.",
}

// llmRequest is one queued generation. The consumer reads Chunks and calls
// Abandon when it stops reading before the stream is closed, so the worker
// never blocks on a departed consumer.
type llmRequest struct {
	userText string
	out      chan llm.Chunk

	abandoned   chan struct{}
	abandonOnce sync.Once
}

// Chunks returns the token stream for this request. It yields chunks in
// order and is closed after the terminal chunk.
func (r *llmRequest) Chunks() <-chan llm.Chunk {
	return r.out
}

// Abandon releases the worker when the consumer walks away mid-stream.
// Undelivered tokens are dropped and the provider stream is cancelled.
// Idempotent; draining the stream to its close makes Abandon a no-op.
func (r *llmRequest) Abandon() {
	r.abandonOnce.Do(func() { close(r.abandoned) })
}

// llmEngine owns the conversation history and serializes generation: requests
// queue FIFO with at most one in flight. A failed request is never retried;
// the engine substitutes an escalating fallback utterance instead.
type llmEngine struct {
	provider llm.Provider
	cfg      Config
	log      *slog.Logger

	mu                  sync.Mutex
	history             []llm.Message
	queue               []*llmRequest
	busy                bool
	consecutiveFailures int
	fallbacks           [3]int
	closed              bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newLLMEngine(provider llm.Provider, cfg Config, log *slog.Logger) *llmEngine {
	e := &llmEngine{
		provider: provider,
		cfg:      cfg,
		log:      log,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if cfg.SystemPrompt != "" {
		e.history = []llm.Message{{Role: llm.RoleSystem, Content: cfg.SystemPrompt}}
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// Generate enqueues a generation request for userText and returns it. Read
// tokens from Chunks; call Abandon if reading stops early. It fails
// synchronously when the queue is full (the in-flight request counts against
// the bound) or the engine is shutting down.
func (e *llmEngine) Generate(userText string) (*llmRequest, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	inUse := len(e.queue)
	if e.busy {
		inUse++
	}
	if e.cfg.QueueBound > 0 && inUse >= e.cfg.QueueBound {
		e.mu.Unlock()
		return nil, ErrQueueFull
	}
	req := &llmRequest{
		userText:  userText,
		out:       make(chan llm.Chunk, 64),
		abandoned: make(chan struct{}),
	}
	e.queue = append(e.queue, req)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return req, nil
}

// History returns a copy of the conversation so far. When a system prompt is
// configured it is always the first and only system message.
func (e *llmEngine) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llm.Message, len(e.history))
	copy(out, e.history)
	return out
}

// QueueLen returns the number of requests waiting (not counting in-flight).
func (e *llmEngine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Fallbacks returns per-tier fallback counts.
func (e *llmEngine) Fallbacks() [3]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallbacks
}

// Close stops the engine. Queued requests are rejected with ErrShuttingDown;
// the in-flight request, if any, is cancelled and its undelivered tokens are
// dropped.
func (e *llmEngine) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		rejected := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, req := range rejected {
			req.out <- llm.Chunk{FinishReason: "error", Err: ErrShuttingDown}
			close(req.out)
		}
		close(e.stop)
		e.wg.Wait()
	})
	return nil
}

func (e *llmEngine) worker() {
	defer e.wg.Done()

	for {
		req := e.dequeue()
		if req != nil {
			e.process(req)
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
			continue
		}
		select {
		case <-e.wake:
		case <-e.stop:
			return
		}
	}
}

func (e *llmEngine) dequeue() *llmRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	req := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	e.busy = true
	return req
}

// send delivers one chunk to the consumer. It reports false when the request
// was abandoned or the engine is stopping, in which case the chunk is
// dropped.
func (e *llmEngine) send(req *llmRequest, c llm.Chunk) bool {
	select {
	case req.out <- c:
		return true
	case <-req.abandoned:
		return false
	case <-e.stop:
		return false
	}
}

// process runs one generation request end to end: history append, provider
// stream, token forwarding, and failure substitution.
func (e *llmEngine) process(req *llmRequest) {
	defer close(req.out)

	e.mu.Lock()
	e.history = append(e.history, llm.Message{Role: llm.RoleUser, Content: req.userText})
	messages := make([]llm.Message, len(e.history))
	copy(messages, e.history)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := e.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Model:            e.cfg.LLMModel,
		Messages:         messages,
		Temperature:      e.cfg.Temperature,
		MaxTokens:        e.cfg.MaxTokens,
		TopP:             e.cfg.TopP,
		FrequencyPenalty: e.cfg.FrequencyPenalty,
		PresencePenalty:  e.cfg.PresencePenalty,
	})
	if err != nil {
		e.fallback(req, err)
		return
	}

	var assembled strings.Builder
	delivering := true
	for chunk := range stream {
		if chunk.Err != nil {
			if !delivering {
				// the cancellation below surfaces as a stream error; the
				// consumer is gone, so no fallback turn
				break
			}
			e.fallback(req, chunk.Err)
			return
		}
		if chunk.Text == "" {
			continue
		}
		assembled.WriteString(chunk.Text)
		if delivering && !e.send(req, llm.Chunk{Text: chunk.Text}) {
			delivering = false
			cancel()
		}
	}

	e.mu.Lock()
	e.history = append(e.history, llm.Message{Role: llm.RoleAssistant, Content: assembled.String()})
	e.consecutiveFailures = 0
	e.mu.Unlock()
}

// fallback emits the tiered apology for a failed request and records it as
// the assistant turn. Failed requests are not retried.
func (e *llmEngine) fallback(req *llmRequest, cause error) {
	e.mu.Lock()
	e.consecutiveFailures++
	tier := e.consecutiveFailures
	if tier > len(fallbackTiers) {
		tier = len(fallbackTiers)
	}
	text := fallbackTiers[tier-1]
	e.fallbacks[tier-1]++
	e.history = append(e.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	failures := e.consecutiveFailures
	e.mu.Unlock()

	e.log.Warn("llm request failed, speaking fallback",
		"error", cause,
		"tier", tier,
		"consecutive_failures", failures,
	)

	e.send(req, llm.Chunk{Text: text, FinishReason: "stop"})
}
