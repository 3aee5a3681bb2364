package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/bootstrap"
	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/engage"
	"github.com/atriumhq/atrium/internal/gateway"
	"github.com/atriumhq/atrium/internal/host"
	"github.com/atriumhq/atrium/internal/identity"
	"github.com/atriumhq/atrium/internal/janitor"
	"github.com/atriumhq/atrium/internal/llm"
	"github.com/atriumhq/atrium/internal/moderation"
	"github.com/atriumhq/atrium/internal/prompt"
	"github.com/atriumhq/atrium/internal/sentiment"
	"github.com/atriumhq/atrium/internal/statestore"
	"github.com/atriumhq/atrium/internal/telemetry"
	"github.com/atriumhq/atrium/pkg/protocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Atrium server (the default command)",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Env files never override variables already set in the environment.
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err == nil {
			slog.Debug("environment file loaded", "path", f)
		}
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	slog.Info("atrium starting",
		"version", Version,
		"config", cfgPath,
		"state_backend", cfg.State.Backend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStateStore(ctx, cfg)
	if err != nil {
		slog.Error("state store unavailable", "backend", cfg.State.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ids := openIdentityStore(ctx, cfg)
	defer ids.Close()

	users := engage.NewUserContextManager(store, cfg.State.UserContextTTL())
	rooms := engage.NewRoomStateManager(store, ids, cfg.State.RoomStateTTL(), cfg.State.HistoryLimit)

	personas := prompt.NewRegistry(cfg.PersonaSettings)
	builder := prompt.NewOrchestrator(users, rooms, personas)

	b := bus.New()

	controller := host.NewController(host.ControllerConfig{
		Config:     cfg,
		Frames:     b,
		Events:     b,
		Users:      users,
		Rooms:      rooms,
		Classifier: newClassifier(cfg),
		Moderator:  newModerator(cfg),
		Identities: ids,
		Personas:   personas,
		Builder:    builder,
		Generator:  newGenerator(cfg),
	})

	srv := gateway.NewServer(cfg, b, b)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without traces", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if cfg.Rooms.SeedDefaults {
		created, err := bootstrap.EnsureDefaultRooms(ctx, rooms, personas)
		if err != nil {
			slog.Warn("room seeding incomplete", "error", err)
		} else if len(created) > 0 {
			slog.Info("default rooms seeded", "rooms", created)
		}
	}

	if cfg.Janitor.Enabled {
		jan, err := janitor.New(cfg.Janitor.Schedule, users, rooms, controller.Monitors(), ids)
		if err != nil {
			slog.Error("janitor misconfigured", "schedule", cfg.Janitor.Schedule, "error", err)
			os.Exit(1)
		}
		go jan.Run(ctx)
	}

	watcher, err := config.NewWatcher(cfg, cfgPath)
	if err != nil {
		slog.Warn("config watcher unavailable, tunables fixed until restart", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig.String())
		b.Broadcast(bus.Event{
			Name:    protocol.EventShutdown,
			Payload: protocol.ShutdownPayload{Reason: "server shutting down"},
		})
		cancel()
	}()

	ctrlDone := make(chan struct{})
	go func() {
		controller.Run(ctx)
		close(ctrlDone)
	}()

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway server failed", "error", err)
		cancel()
	}

	// The controller drains in-flight host replies before returning.
	<-ctrlDone
	slog.Info("atrium stopped")
}

func openStateStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.State.Backend {
	case "redis":
		store := statestore.NewRedis(statestore.RedisOptions{
			Addr:     cfg.State.RedisAddr,
			Password: cfg.State.RedisPassword,
			DB:       cfg.State.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "":
		slog.Warn("using in-memory state, contexts are lost on restart")
		return statestore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

// openIdentityStore returns the configured durable identity store, or
// the null resolver when identity is disabled or its schema is not
// migrated yet. Chat never depends on identity being up.
func openIdentityStore(ctx context.Context, cfg *config.Config) identity.Resolver {
	driver := cfg.Identity.Driver
	if driver == "" || driver == "none" {
		return identity.Null{}
	}

	dsn := cfg.Identity.DSN
	if driver == "sqlite" {
		dsn = config.ExpandHome(dsn)
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				slog.Error("identity store directory", "dir", dir, "error", err)
				os.Exit(1)
			}
		}
	}

	store, err := identity.Open(driver, dsn)
	if err != nil {
		slog.Error("identity store open failed", "driver", driver, "error", err)
		os.Exit(1)
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer probeCancel()
	if _, err := store.Resolve(probeCtx, "startup-probe"); err != nil {
		slog.Warn("identity store not ready, continuing without it",
			"driver", driver, "error", err, "hint", "run 'atrium migrate up'")
		store.Close()
		return identity.Null{}
	}
	return store
}

func newClassifier(cfg *config.Config) sentiment.Classifier {
	cl := cfg.Classifier
	if cl.Mode == "model" {
		slog.Info("using model-backed classifier", "model", cl.Model)
		return sentiment.NewModel(cl.BaseURL, cl.APIKey, cl.Model)
	}
	return sentiment.NewKeyword()
}

func newModerator(cfg *config.Config) moderation.Moderator {
	if cfg.Moderation.Mode == "keyword" {
		return moderation.NewKeyword(cfg.BannedTerms)
	}
	return moderation.Allow{}
}

func newGenerator(cfg *config.Config) llm.Generator {
	gen := cfg.Generation

	retry := llm.DefaultRetryConfig()
	if gen.MaxRetries > 0 {
		retry.MaxAttempts = gen.MaxRetries
	}

	primary := llm.NewOpenAICompat("primary", gen.Primary.APIKey, gen.Primary.BaseURL, gen.Primary.Model).
		WithRetryConfig(retry)
	if gen.Primary.TimeoutSecs > 0 {
		primary = primary.WithTimeout(time.Duration(gen.Primary.TimeoutSecs) * time.Second)
	}

	providers := []llm.Generator{primary}
	if gen.Anthropic.APIKey != "" {
		providers = append(providers, llm.NewAnthropic(gen.Anthropic.APIKey, gen.Anthropic.Model))
	} else {
		slog.Debug("anthropic fallback disabled, no api key set")
	}
	return llm.NewChain(providers...)
}
