package session

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate-ai/voxgate/pkg/provider/llm/mock"
)

func newTestEngine(t *testing.T, p llm.Provider, cfg Config) *llmEngine {
	t.Helper()
	e := newLLMEngine(p, cfg.withDefaults(), slog.Default())
	t.Cleanup(func() { e.Close() })
	return e
}

// drainText assembles the text of one chunk stream, failing on error chunks.
func drainText(t *testing.T, ch <-chan llm.Chunk) string {
	t.Helper()
	var out string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
		out += chunk.Text
	}
	return out
}

func TestLLMEngine_GenerateStreamsTokens(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there"}, {FinishReason: "stop"}},
	}
	e := newTestEngine(t, p, Config{SystemPrompt: "be brief", LLMModel: "gpt-4o-mini"})

	req, err := e.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := drainText(t, req.Chunks()); got != "Hello there" {
		t.Errorf("assembled text: got %q", got)
	}

	if n := p.StreamCallCount(); n != 1 {
		t.Fatalf("provider calls: got %d", n)
	}
	sent := p.StreamCalls[0].Req
	if sent.Model != "gpt-4o-mini" {
		t.Errorf("request model: %q", sent.Model)
	}
	if len(sent.Messages) != 2 {
		t.Fatalf("messages: %+v", sent.Messages)
	}
	if sent.Messages[0].Role != llm.RoleSystem || sent.Messages[0].Content != "be brief" {
		t.Errorf("system message: %+v", sent.Messages[0])
	}
	if sent.Messages[1].Role != llm.RoleUser || sent.Messages[1].Content != "hi" {
		t.Errorf("user message: %+v", sent.Messages[1])
	}

	history := e.History()
	if len(history) != 3 {
		t.Fatalf("history: %+v", history)
	}
	if history[0].Role != llm.RoleSystem {
		t.Errorf("first history entry: %+v", history[0])
	}
	if history[2].Role != llm.RoleAssistant || history[2].Content != "Hello there" {
		t.Errorf("assistant turn: %+v", history[2])
	}
}

func TestLLMEngine_HistoryAccumulatesAcrossTurns(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok"}}}
	e := newTestEngine(t, p, Config{})

	for _, input := range []string{"first", "second"} {
		req, err := e.Generate(input)
		if err != nil {
			t.Fatalf("Generate(%q): %v", input, err)
		}
		drainText(t, req.Chunks())
	}

	history := e.History()
	if len(history) != 4 {
		t.Fatalf("history length: got %d, want 4: %+v", len(history), history)
	}
	// second request must carry the first exchange
	sent := p.StreamCalls[1].Req
	if len(sent.Messages) != 3 {
		t.Errorf("second request context: %+v", sent.Messages)
	}
}

func TestLLMEngine_SamplingControlsForwarded(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok"}}}
	e := newTestEngine(t, p, Config{
		Temperature:      0.4,
		TopP:             0.9,
		FrequencyPenalty: 0.5,
		PresencePenalty:  -0.3,
	})

	req, err := e.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drainText(t, req.Chunks())

	sent := p.StreamCalls[0].Req
	if sent.Temperature != 0.4 || sent.TopP != 0.9 {
		t.Errorf("sampling: temp=%v top_p=%v", sent.Temperature, sent.TopP)
	}
	if sent.FrequencyPenalty != 0.5 || sent.PresencePenalty != -0.3 {
		t.Errorf("penalties: freq=%v pres=%v", sent.FrequencyPenalty, sent.PresencePenalty)
	}
}

func TestLLMEngine_QueueBound(t *testing.T) {
	release := make(chan struct{})
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "ok"}},
		StreamDelay:  release,
	}
	e := newTestEngine(t, p, Config{QueueBound: 2})

	// first request occupies the worker; gate it so the queue backs up
	first, err := e.Generate("in flight")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	waitFor(t, func() bool { return p.StreamCallCount() == 1 })

	// the in-flight request counts against the bound, leaving one queue slot
	if _, err := e.Generate("queued 1"); err != nil {
		t.Fatalf("Generate queued 1: %v", err)
	}
	if _, err := e.Generate("one too many"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	drainText(t, first.Chunks())
}

func TestLLMEngine_QueueBoundCountsInFlight(t *testing.T) {
	release := make(chan struct{})
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "ok"}},
		StreamDelay:  release,
	}
	e := newTestEngine(t, p, Config{QueueBound: 1})

	first, err := e.Generate("in flight")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	waitFor(t, func() bool { return p.StreamCallCount() == 1 })

	// bound 1 means at most one request total, queued or in flight
	if _, err := e.Generate("second"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull with one in flight, got %v", err)
	}

	close(release)
	drainText(t, first.Chunks())
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.busy
	})

	// capacity frees up once the in-flight request completes
	next, err := e.Generate("after")
	if err != nil {
		t.Fatalf("Generate after completion: %v", err)
	}
	drainText(t, next.Chunks())
}

func TestLLMEngine_FallbackTiersEscalate(t *testing.T) {
	p := &llmmock.Provider{
		StreamErrs: []error{
			errors.New("boom 1"),
			errors.New("boom 2"),
			errors.New("boom 3"),
			errors.New("boom 4"),
		},
	}
	e := newTestEngine(t, p, Config{})

	want := []string{
		fallbackTiers[0],
		fallbackTiers[1],
		fallbackTiers[2],
		fallbackTiers[2], // tier 3 repeats
	}
	for i, w := range want {
		req, err := e.Generate("hello")
		if err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
		if got := drainText(t, req.Chunks()); got != w {
			t.Errorf("failure %d: got %q, want %q", i+1, got, w)
		}
	}

	fb := e.Fallbacks()
	if fb[0] != 1 || fb[1] != 1 || fb[2] != 2 {
		t.Errorf("fallback counts: %v", fb)
	}

	// fallbacks are recorded as assistant turns
	history := e.History()
	if len(history) != 8 {
		t.Fatalf("history length: got %d", len(history))
	}
	if history[1].Content != fallbackTiers[0] {
		t.Errorf("first fallback not in history: %+v", history[1])
	}
}

func TestLLMEngine_SuccessResetsFailureCounter(t *testing.T) {
	p := &llmmock.Provider{
		StreamErrs:   []error{errors.New("boom"), nil, errors.New("boom again")},
		StreamChunks: []llm.Chunk{{Text: "recovered"}},
	}
	e := newTestEngine(t, p, Config{})

	req, _ := e.Generate("a")
	if got := drainText(t, req.Chunks()); got != fallbackTiers[0] {
		t.Fatalf("first failure: got %q", got)
	}
	req, _ = e.Generate("b")
	if got := drainText(t, req.Chunks()); got != "recovered" {
		t.Fatalf("recovery: got %q", got)
	}
	// after a success the next failure starts back at tier one
	req, _ = e.Generate("c")
	if got := drainText(t, req.Chunks()); got != fallbackTiers[0] {
		t.Fatalf("post-recovery failure: got %q", got)
	}
}

func TestLLMEngine_MidStreamErrorUsesFallback(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "partial "},
			{Err: errors.New("connection reset"), FinishReason: "error"},
		},
	}
	e := newTestEngine(t, p, Config{})

	req, err := e.Generate("hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var texts []string
	for chunk := range req.Chunks() {
		if chunk.Err != nil {
			t.Fatalf("error chunk leaked to caller: %v", chunk.Err)
		}
		texts = append(texts, chunk.Text)
	}
	if len(texts) == 0 || texts[len(texts)-1] != fallbackTiers[0] {
		t.Errorf("expected trailing fallback, got %q", texts)
	}

	history := e.History()
	last := history[len(history)-1]
	if last.Role != llm.RoleAssistant || last.Content != fallbackTiers[0] {
		t.Errorf("history after mid-stream failure: %+v", last)
	}
}

func TestLLMEngine_CloseRejectsQueued(t *testing.T) {
	release := make(chan struct{})
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "ok"}},
		StreamDelay:  release,
	}
	e := newLLMEngine(p, Config{}.withDefaults(), slog.Default())

	inflight, err := e.Generate("in flight")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	waitFor(t, func() bool { return p.StreamCallCount() == 1 })

	queued, err := e.Generate("queued")
	if err != nil {
		t.Fatalf("Generate queued: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Close()
	}()

	chunk := <-queued.Chunks()
	if !errors.Is(chunk.Err, ErrShuttingDown) {
		t.Errorf("queued rejection: got %v", chunk.Err)
	}
	if _, ok := <-queued.Chunks(); ok {
		t.Error("queued stream not closed after rejection")
	}

	close(release)
	for range inflight.Chunks() {
	}
	<-done

	if _, err := e.Generate("after close"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Generate after Close: got %v", err)
	}
}

// longStream builds a response far larger than the chunk channel buffer.
func longStream(n int) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, n+1)
	for i := 0; i < n; i++ {
		chunks = append(chunks, llm.Chunk{Text: "token "})
	}
	return append(chunks, llm.Chunk{FinishReason: "stop"})
}

func TestLLMEngine_AbandonReleasesWorker(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: longStream(200)}
	e := newTestEngine(t, p, Config{})

	req, err := e.Generate("first")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// read a couple of tokens, then stop listening
	<-req.Chunks()
	<-req.Chunks()
	req.Abandon()

	// the worker must come back for the next turn
	next, err := e.Generate("second")
	if err != nil {
		t.Fatalf("Generate after abandon: %v", err)
	}
	if got := drainText(t, next.Chunks()); got == "" {
		t.Error("no response after an abandoned turn")
	}
}

func TestLLMEngine_CloseUnblocksAbandonedStream(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: longStream(200)}
	e := newLLMEngine(p, Config{}.withDefaults(), slog.Default())

	req, err := e.Generate("hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// consume two tokens and walk away without draining or abandoning
	<-req.Chunks()
	<-req.Chunks()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Close()
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind an unread stream")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
