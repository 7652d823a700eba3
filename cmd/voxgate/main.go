// Command voxgate is the real-time conversational voice gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxgate-ai/voxgate/internal/app"
	"github.com/voxgate-ai/voxgate/internal/config"
	"github.com/voxgate-ai/voxgate/internal/observe"
	"github.com/voxgate-ai/voxgate/internal/session"
	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
	"github.com/voxgate-ai/voxgate/pkg/provider/llm/anyllm"
	openaillm "github.com/voxgate-ai/voxgate/pkg/provider/llm/openai"
	"github.com/voxgate-ai/voxgate/pkg/provider/stt/deepgram"
	"github.com/voxgate-ai/voxgate/pkg/provider/tts/cartesia"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	// A .env in the working directory is a development convenience; absence
	// is not an error.
	_ = godotenv.Load()

	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_FILE")
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMProviders lists the backends reached through any-llm rather than the
// native OpenAI client.
var anyLLMProviders = map[string]bool{
	"anthropic": true,
	"gemini":    true,
	"ollama":    true,
	"deepseek":  true,
	"mistral":   true,
	"groq":      true,
	"llamacpp":  true,
	"llamafile": true,
}

// buildProviders instantiates the STT, LLM, and TTS providers from cfg.
func buildProviders(cfg *config.Config) (session.Providers, error) {
	var ps session.Providers

	sttProvider, err := deepgram.New(cfg.STT.APIKey,
		deepgram.WithModel(cfg.STT.Model),
		deepgram.WithLanguage(cfg.STT.Language),
	)
	if err != nil {
		return ps, fmt.Errorf("create stt provider: %w", err)
	}
	ps.STT = sttProvider
	slog.Info("provider created", "kind", "stt", "name", "deepgram", "model", cfg.STT.Model)

	llmProvider, err := buildLLM(cfg.LLM)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	ps.LLM = llmProvider
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider, "model", cfg.LLM.Model)

	ttsProvider, err := cartesia.New(cfg.TTS.APIKey,
		cartesia.WithModel(cfg.TTS.Model),
	)
	if err != nil {
		return ps, fmt.Errorf("create tts provider: %w", err)
	}
	ps.TTS = ttsProvider
	slog.Info("provider created", "kind", "tts", "name", "cartesia", "model", cfg.TTS.Model)

	return ps, nil
}

// buildLLM selects the generation backend: the native OpenAI client for
// "openai", any-llm for everything else it supports.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	switch {
	case cfg.Provider == "openai":
		var opts []openaillm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(cfg.BaseURL))
		}
		return openaillm.New(cfg.APIKey, cfg.Model, opts...)

	case anyLLMProviders[cfg.Provider]:
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(cfg.Provider, cfg.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", "deepgram", cfg.STT.Model)
	printProvider("LLM", cfg.LLM.Provider, cfg.LLM.Model)
	printProvider("TTS", "cartesia", cfg.TTS.Model)
	fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Session.MaxSessions)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
