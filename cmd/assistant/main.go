package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	bootstrap "github.com/chartmann1590/mumble-ai-assistant/internal/config"
	"github.com/chartmann1590/mumble-ai-assistant/internal/consolidation"
	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/dialog"
	"github.com/chartmann1590/mumble-ai-assistant/internal/email"
	"github.com/chartmann1590/mumble-ai-assistant/internal/llmclient"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory/postgres"
	"github.com/chartmann1590/mumble-ai-assistant/internal/mumble"
	"github.com/chartmann1590/mumble-ai-assistant/internal/observe"
	"github.com/chartmann1590/mumble-ai-assistant/internal/reminder"
	"github.com/chartmann1590/mumble-ai-assistant/internal/schedule"
	"github.com/chartmann1590/mumble-ai-assistant/internal/session"
	"github.com/chartmann1590/mumble-ai-assistant/internal/sip"
	"github.com/chartmann1590/mumble-ai-assistant/internal/speech"
	"github.com/chartmann1590/mumble-ai-assistant/internal/summary"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML bootstrap configuration file")
	flag.Parse()

	cfg, err := bootstrap.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assistant: load config %q: %v\n", *configPath, err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("assistant starting", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := postgres.NewStore(bootCtx, cfg.Database.DSN, cfg.Database.EmbeddingDimensions)
	cancel()
	if err != nil {
		slog.Error("connect memory store failed", "err", err)
		return 1
	}
	defer store.Close()

	persona := bootstrap.NewStore(store)

	var shutdownMetrics func(context.Context) error
	var metrics *observe.Metrics
	if cfg.Server.MetricsAddr != "" {
		shutdownMetrics, err = observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "mumble-ai-assistant"})
		if err != nil {
			slog.Error("init metrics provider failed", "err", err)
			return 1
		}
		metrics = observe.DefaultMetrics()
		go serveMetrics(ctx, cfg.Server.MetricsAddr)
	}

	// One Ollama client, wired with per-package adapters (each
	// downstream package defines its own GenerateOpts to stay decoupled from
	// llmclient's concrete type — see cmd/assistant/adapters.go).
	bootCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	ollamaURL, err := persona.OllamaURL(bootCtx2)
	cancel2()
	if err != nil {
		slog.Error("load ollama_url failed", "err", err)
		return 1
	}
	llm := llmclient.New(ollamaURL)

	bootCtx2b, cancel2b := context.WithTimeout(ctx, 5*time.Second)
	ollamaModel, err := persona.OllamaModel(bootCtx2b)
	cancel2b()
	if err != nil {
		slog.Error("load ollama_model failed", "err", err)
		return 1
	}

	// Tiered schedule search, used both standalone and by the context builder's
	// "when is my X" delegation.
	searcher := schedule.New(store, scheduleGenAdapter{llm}, ollamaModel)

	// Prompt assembly.
	ctxBuilder := appcontext.New(store, persona, dialogGenAdapter{llm}, searcher)

	// Session manager, seeded from the current KV thresholds; RunSweeper
	// re-reads them every 5 minutes is unnecessary since sweepOnce always
	// calls SweepIdleSessions with the Manager's configured timeout — a
	// config change to session_timeout_minutes takes effect on process
	// restart, matching how the persona config's other boot-sensitive values are read.
	bootCtx3, cancel3 := context.WithTimeout(ctx, 5*time.Second)
	reactivationMin, errA := persona.SessionReactivationMinutes(bootCtx3)
	timeoutMin, errB := persona.SessionTimeoutMinutes(bootCtx3)
	cancel3()
	if errA != nil || errB != nil {
		slog.Error("load session thresholds failed", "reactivation_err", errA, "timeout_err", errB)
		return 1
	}
	sessions := session.NewManager(store, reactivationMin, timeoutMin)
	go sessions.RunSweeper(ctx)

	// Dialog orchestrator shared by all three channels.
	orch := dialog.New(store, sessions, ctxBuilder, dialogGenAdapter{llm}, persona, dialog.WithMetrics(metrics))

	// E-mail channel (IMAP poll, thread reconstruction, attachment
	// analysis, action-synchronous extraction, SMTP reply).
	emailChannel := email.NewChannel(cfg.Email, store, persona, ctxBuilder, orch, emailActionGenAdapter{llm}, emailVisionAdapter{llm})
	go emailChannel.Run(ctx)

	// Reminder scheduler. Uses its own SMTP sender instance; none of the
	// three mail-capable components (reply, reminder, daily summary) share mutable
	// state, so a fresh, stateless [email.Mailer] per component is simplest.
	displayLocation, err := time.LoadLocation(cfg.Email.SummaryTimezone)
	if err != nil || cfg.Email.SummaryTimezone == "" {
		displayLocation, _ = time.LoadLocation("America/New_York")
	}
	reminderSvc := reminder.New(store, reminderGenAdapter{llm}, email.NewMailer(cfg.Email), ollamaModel, displayLocation)
	go reminderSvc.Run(ctx)

	// Daily outbound summary.
	summarySvc := summary.New(store, summaryGenAdapter{llm}, email.NewMailer(cfg.Email), persona, displayLocation)
	go summarySvc.Run(ctx)

	// Nightly conversation consolidation at 03:00 local time.
	consolidationSvc, err := consolidation.New(store, llmclient.Summarizer{Client: llm, Model: ollamaModel}, "0 3 * * *")
	if err != nil {
		slog.Error("build consolidation scheduler failed", "err", err)
		return 1
	}
	go consolidationSvc.Run(ctx)

	// Mumble voice/text channel.
	stt := speech.NewTranscriber(cfg.Speech.WhisperURL)
	ttsRouter := speech.NewRouter(cfg.Speech.PiperURL, cfg.Speech.SileroURL, cfg.Speech.ChatterboxURL)

	mumbleChannel := mumble.New(
		mumble.Config{
			ServerAddr: cfg.Mumble.ServerAddr,
			Username:   cfg.Mumble.Username,
			Password:   cfg.Mumble.Password,
			Channel:    cfg.Mumble.Channel,
			Insecure:   cfg.Mumble.Insecure,
		},
		orch, stt, ttsRouter,
		mumble.UserConfig{
			Welcome:  fixedWelcome(persona),
			Voice:    ttsVoice(persona),
			Engine:   ttsEngine(persona),
			Language: whisperLanguage(persona),
		},
		func(pctx context.Context) error {
			pctx2, cancel := context.WithTimeout(pctx, configCtxTimeout)
			defer cancel()
			_, err := persona.Get(pctx2, "bot_persona")
			return err
		},
	)
	if cfg.Mumble.ServerAddr != "" {
		go mumbleChannel.Run(ctx)
	}

	// SIP signaling + RTP audio channel.
	sipServer := sip.New(
		sip.Config{ListenAddr: cfg.SIP.ListenAddr, RTPPortStart: cfg.SIP.RTPPortStart, RTPPortEnd: cfg.SIP.RTPPortEnd},
		orch, stt, ttsRouter,
		sip.UserConfig{
			Welcome:  fixedWelcome(persona),
			Voice:    ttsVoice(persona),
			Engine:   ttsEngine(persona),
			User:     sipUser(persona),
			Language: whisperLanguage(persona),
		},
	)
	if cfg.SIP.ListenAddr != "" {
		go func() {
			if err := sipServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sip server stopped", "err", err)
			}
		}()
	}

	slog.Info("assistant ready — press Ctrl+C to shut down")
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if shutdownMetrics != nil {
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics shutdown error", "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "err", err)
	}
}

// fixedWelcome returns the fixed immediate greeting closure
// played before the personalized LLM welcome.
func fixedWelcome(persona *bootstrap.Store) func() string {
	return func() string { return "Hi, one moment." }
}

func ttsVoice(persona *bootstrap.Store) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), configCtxTimeout)
		defer cancel()
		_, voice, err := persona.TTS(ctx)
		if err != nil {
			return ""
		}
		return voice
	}
}

func ttsEngine(persona *bootstrap.Store) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), configCtxTimeout)
		defer cancel()
		engine, _, err := persona.TTS(ctx)
		if err != nil {
			return "piper"
		}
		return string(engine)
	}
}

func whisperLanguage(persona *bootstrap.Store) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), configCtxTimeout)
		defer cancel()
		lang, err := persona.WhisperLanguage(ctx)
		if err != nil || lang == "auto" {
			return ""
		}
		return lang
	}
}

// sipUser resolves the single configured user identity every SIP call is
// attributed to.
func sipUser(persona *bootstrap.Store) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), configCtxTimeout)
		defer cancel()
		user, err := persona.SummaryUser(ctx)
		if err != nil || user == "" {
			return "caller"
		}
		return user
	}
}
