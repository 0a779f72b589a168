// Command voxrelay bridges Discord voice channels to a realtime
// speech-to-speech AI service.
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

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/health"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/recap"
	"github.com/voxrelay/voxrelay/internal/tools"
	"github.com/voxrelay/voxrelay/internal/tools/mcptool"
	"github.com/voxrelay/voxrelay/internal/transcript"
	"github.com/voxrelay/voxrelay/pkg/audio"
	discordaudio "github.com/voxrelay/voxrelay/pkg/audio/discord"
	"github.com/voxrelay/voxrelay/pkg/realtime"
	oairealtime "github.com/voxrelay/voxrelay/pkg/realtime/openai"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// The level var lets the config watcher adjust verbosity at runtime.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Discord session ───────────────────────────────────────────────────────
	ds, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		slog.Error("failed to create Discord session", "err", err)
		return 1
	}
	ds.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := ds.Open(); err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}
	defer func() {
		if err := ds.Close(); err != nil {
			slog.Warn("discord close error", "err", err)
		}
	}()
	slog.Info("discord connected", "guild_id", cfg.Discord.GuildID)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, ds, cfg)

	provider, err := reg.CreateRealtime(cfg.Realtime)
	if err != nil {
		slog.Error("failed to create realtime provider", "name", cfg.Realtime.Name, "err", err)
		return 1
	}
	platform, err := reg.CreateAudio(config.ProviderEntry{Name: "discord"})
	if err != nil {
		slog.Error("failed to create audio platform", "err", err)
		return 1
	}

	// ── Transcript store ──────────────────────────────────────────────────────
	var store transcript.Store
	if dsn := cfg.Transcript.PostgresDSN; dsn != "" {
		pg, err := transcript.NewPostgresStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		store = pg
		slog.Info("transcript store ready", "backend", "postgres")
	} else {
		store = transcript.NewMemStore()
		slog.Info("transcript store ready", "backend", "memory")
	}
	defer store.Close()

	// ── Tools ─────────────────────────────────────────────────────────────────
	dispatcher := tools.NewDispatcher(metrics)
	if cfg.Discord.TextChannelID != "" {
		tools.RegisterPostMessage(dispatcher, cfg.Discord.TextChannelID,
			func(channelID, content string) error {
				_, err := ds.ChannelMessageSend(channelID, content)
				return err
			})
	}

	bridge := mcptool.NewBridge()
	defer func() {
		if err := bridge.Close(); err != nil {
			slog.Warn("mcp close error", "err", err)
		}
	}()
	for _, server := range cfg.MCP.Servers {
		if err := bridge.Connect(ctx, dispatcher, server); err != nil {
			slog.Warn("mcp server unavailable", "name", server.Name, "err", err)
		}
	}
	slog.Info("tools registered", "count", len(dispatcher.Definitions()))

	// ── Recap ─────────────────────────────────────────────────────────────────
	var recapper pipeline.Recapper
	if cfg.Recap.Enabled {
		apiKey := cfg.Recap.APIKey
		if apiKey == "" {
			apiKey = cfg.Realtime.APIKey
		}
		poster, err := recap.New(apiKey, cfg.Recap.Model, store,
			func(content string) error {
				_, err := ds.ChannelMessageSend(cfg.Discord.TextChannelID, content)
				return err
			}, logger)
		if err != nil {
			slog.Error("failed to configure recap", "err", err)
			return 1
		}
		recapper = poster
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	manager := pipeline.NewManager(platform, provider, pipelineConfig(cfg.Pipeline), pipeline.Options{
		Dispatcher: dispatcher,
		Transcript: store,
		SessionConfig: realtime.SessionConfig{
			Voice:        cfg.Realtime.Voice,
			Instructions: cfg.Realtime.Instructions,
		},
		Recap:   recapper,
		Metrics: metrics,
		Logger:  logger,
	})
	defer manager.StopAll()

	started := 0
	for _, channelID := range cfg.Discord.ChannelIDs {
		if err := manager.Start(ctx, channelID); err != nil {
			slog.Error("failed to start session", "channel", channelID, "err", err)
			continue
		}
		started++
	}
	if started == 0 && len(cfg.Discord.ChannelIDs) > 0 {
		slog.Error("no voice session could be established")
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.PipelineChanged {
			manager.UpdateConfig(pipelineConfig(d.NewPipeline))
			slog.Info("pipeline thresholds updated")
		}
		if d.RecapChanged {
			slog.Warn("recap settings changed, restart required to apply")
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Operational HTTP endpoint ─────────────────────────────────────────────
	server := newHTTPServer(cfg, metrics, ds, store)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	slog.Info("voxrelay ready", "sessions", manager.Active())

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")

	manager.StopAll()

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with the
// relay.
func registerBuiltinProviders(reg *config.Registry, ds *discordgo.Session, cfg *config.Config) {
	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []oairealtime.Option
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		return oairealtime.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAudio("discord", func(config.ProviderEntry) (audio.Platform, error) {
		var opts []discordaudio.Option
		if d := cfg.Pipeline.SilenceTimeout.Std(); d > 0 {
			opts = append(opts, discordaudio.WithSilenceTimeout(d))
		}
		return discordaudio.New(ds, cfg.Discord.GuildID, opts...), nil
	})
}

// newHTTPServer assembles the health, readiness, and metrics endpoint.
func newHTTPServer(cfg *config.Config, metrics *observe.Metrics, ds *discordgo.Session, store transcript.Store) *http.Server {
	checkers := []health.Checker{
		{Name: "discord", Check: func(context.Context) error {
			if lat := ds.HeartbeatLatency(); lat > 30*time.Second {
				return fmt.Errorf("heartbeat latency %v", lat)
			}
			return nil
		}},
	}
	if pg, ok := store.(*transcript.PostgresStore); ok {
		checkers = append(checkers, health.Checker{Name: "transcript", Check: pg.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// pipelineConfig maps the YAML thresholds onto the pipeline's runtime config.
func pipelineConfig(pc config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		SilenceDebounce:       pc.SilenceDebounce.Std(),
		SilenceDebounceBusy:   pc.SilenceDebounceBusy.Std(),
		MinUtteranceDuration:  pc.MinUtteranceDuration.Std(),
		MinUtteranceRMS:       pc.MinUtteranceRMS,
		MinBufferedFragments:  pc.MinBufferedFragments,
		AllowReplyCompletion:  pc.AllowReplyCompletion,
		ReplyCompletionWindow: pc.ReplyCompletionWindow.Std(),
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
