package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxgate-ai/voxgate/internal/config"
	"github.com/voxgate-ai/voxgate/internal/observe"
	"github.com/voxgate-ai/voxgate/internal/session"
	"github.com/voxgate-ai/voxgate/internal/transport"
)

func testAppConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.STT.APIKey = "test-key"
	cfg.LLM.APIKey = "test-key"
	cfg.TTS.APIKey = "test-key"
	cfg.TTS.VoiceID = "voice-1"
	cfg.Session.FinalizeWaitMS = 40
	return cfg
}

// newTestApp starts a fully wired App on a loopback port with mock providers
// and a manual-reader metrics backend.
func newTestApp(t *testing.T, cfg *config.Config) (*App, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a, err := New(cfg, mockProviders(), WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})

	waitFor(t, func() bool { return a.Addr() != nil })
	return a, reader
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, met *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// dialWS opens a websocket connection to the app's /ws endpoint and reads
// the initial ack frame.
func dialWS(t *testing.T, a *App) (*websocket.Conn, transport.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+a.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	msg, err := transport.Decode(data)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if msg.Kind != transport.KindAck {
		t.Fatalf("first frame kind = %v, want ack", msg.Kind)
	}
	return conn, msg
}

func TestNew_RequiresProviders(t *testing.T) {
	if _, err := New(testAppConfig(), session.Providers{}); err == nil {
		t.Error("New accepted empty providers")
	}

	p := mockProviders()
	p.TTS = nil
	if _, err := New(testAppConfig(), p); err == nil {
		t.Error("New accepted missing TTS provider")
	}
}

func TestApp_HealthAndMetricsEndpoints(t *testing.T) {
	a, _ := newTestApp(t, testAppConfig())
	base := "http://" + a.Addr().String()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestApp_ReadyzFailsAtCapacity(t *testing.T) {
	cfg := testAppConfig()
	cfg.Session.MaxSessions = 1
	a, _ := newTestApp(t, cfg)

	dialWS(t, a)
	waitFor(t, func() bool { return a.Supervisor().Len() == 1 })

	resp, err := http.Get("http://" + a.Addr().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", resp.StatusCode)
	}
}

func TestApp_SessionLifecycleMetrics(t *testing.T) {
	a, reader := newTestApp(t, testAppConfig())

	conn, ack := dialWS(t, a)
	if ack.Header.SessionID == "" {
		t.Error("ack carries no session id")
	}
	waitFor(t, func() bool { return a.Supervisor().Len() == 1 })

	if met := collectMetric(t, reader, "voxgate.sessions.created"); met == nil || sumValue(t, met) != 1 {
		t.Errorf("sessions.created = %v, want 1", met)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return a.Supervisor().Len() == 0 })
	waitFor(t, func() bool {
		met := collectMetric(t, reader, "voxgate.sessions.ended")
		return met != nil && sumValue(t, met) == 1
	})

	if met := collectMetric(t, reader, "voxgate.active_sessions"); met == nil || sumValue(t, met) != 0 {
		t.Errorf("active_sessions = %v, want 0", met)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t, testAppConfig())

	dialWS(t, a)
	waitFor(t, func() bool { return a.Supervisor().Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Supervisor().Len(); got != 0 {
		t.Errorf("sessions after shutdown: %d", got)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

// recordingEmitter counts events for meteredEmitter tests.
type recordingEmitter struct {
	interims int
	finals   int
	ends     int
}

func (r *recordingEmitter) Ready(string)               {}
func (r *recordingEmitter) Interim(string, float64)    { r.interims++ }
func (r *recordingEmitter) Final(string, float64)      { r.finals++ }
func (r *recordingEmitter) AudioStart(string)          {}
func (r *recordingEmitter) Audio(string, []byte)       {}
func (r *recordingEmitter) AudioEnd(string)            {}
func (r *recordingEmitter) Error(string, string, bool) {}
func (r *recordingEmitter) Ended(string)               { r.ends++ }

func TestMeteredEmitter_CountsAndLatencies(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	inner := &recordingEmitter{}
	e := &meteredEmitter{Emitter: inner, metrics: m}

	// One full turn: interim, final, synthesized audio, then session end.
	e.Interim("when do", 0.5)
	e.Interim("when do you open", 0.8)
	e.Final("when do you open", 0.95)
	e.AudioStart("u1")
	e.Audio("u1", []byte{1, 2})
	e.AudioEnd("u1")
	e.Ended("client disconnected")

	if inner.interims != 2 || inner.finals != 1 || inner.ends != 1 {
		t.Errorf("delegation counts = %d/%d/%d", inner.interims, inner.finals, inner.ends)
	}

	histograms := []string{
		"voxgate.stt.finalize.duration",
		"voxgate.llm.duration",
		"voxgate.turn.duration",
	}
	for _, name := range histograms {
		met := collectMetric(t, reader, name)
		if met == nil {
			t.Fatalf("metric %q not recorded", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
			t.Errorf("metric %q: want exactly one sample", name)
		}
	}

	met := collectMetric(t, reader, "voxgate.transcripts")
	if met == nil || sumValue(t, met) != 3 {
		t.Errorf("transcripts total = %v, want 3 (2 interim + 1 final)", met)
	}
}
