package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/identity"
	"github.com/atriumhq/atrium/internal/statestore"
	"github.com/atriumhq/atrium/pkg/protocol"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local setup and report what is ready",
	Run:   runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) {
	report := func(name, status string) { fmt.Printf("%-12s %s\n", name, status) }

	report("version", fmt.Sprintf("%s (protocol v%d, %s %s/%s)",
		Version, protocol.ProtocolVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH))

	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		report("config", fmt.Sprintf("FAIL %s: %v", path, err))
		return
	}
	report("config", path)

	if tcpReachable(dialableAddr(cfg)) {
		report("server", fmt.Sprintf("running at %s", dialableAddr(cfg)))
	} else {
		report("server", fmt.Sprintf("not running (would listen on %s)", cfg.Gateway.Addr()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report("state", stateLine(ctx, cfg))
	report("identity", identityLine(ctx, cfg))

	gen := cfg.Generation
	primaryKey := "key not set (ATRIUM_PRIMARY_API_KEY)"
	if gen.Primary.APIKey != "" {
		primaryKey = "key " + maskKey(gen.Primary.APIKey)
	}
	report("generation", fmt.Sprintf("%s model %s, %s", gen.Primary.BaseURL, gen.Primary.Model, primaryKey))
	if gen.Anthropic.APIKey != "" {
		report("fallback", "anthropic, key "+maskKey(gen.Anthropic.APIKey))
	} else {
		report("fallback", "disabled (ATRIUM_ANTHROPIC_API_KEY not set)")
	}

	if cfg.Classifier.Mode == "model" {
		report("classifier", "model "+cfg.Classifier.Model)
	} else {
		report("classifier", "keyword")
	}

	if cfg.Moderation.Mode == "keyword" {
		report("moderation", fmt.Sprintf("keyword (%d terms)", len(cfg.BannedTerms())))
	} else {
		report("moderation", "off")
	}

	switch {
	case !cfg.Janitor.Enabled:
		report("janitor", "disabled")
	case gronx.New().IsValid(cfg.Janitor.Schedule):
		report("janitor", cfg.Janitor.Schedule)
	default:
		report("janitor", fmt.Sprintf("FAIL invalid schedule %q", cfg.Janitor.Schedule))
	}

	if cfg.Telemetry.Enabled {
		report("telemetry", fmt.Sprintf("otlp %s", cfg.Telemetry.Endpoint))
	} else {
		report("telemetry", "disabled")
	}

	report("rooms", fmt.Sprintf("seed_defaults=%v, %d persona overrides",
		cfg.Rooms.SeedDefaults, len(cfg.PersonaSettings())))
}

func stateLine(ctx context.Context, cfg *config.Config) string {
	switch cfg.State.Backend {
	case "redis":
		store := statestore.NewRedis(statestore.RedisOptions{
			Addr:     cfg.State.RedisAddr,
			Password: cfg.State.RedisPassword,
			DB:       cfg.State.RedisDB,
		})
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return fmt.Sprintf("FAIL redis %s: %v", cfg.State.RedisAddr, err)
		}
		return fmt.Sprintf("redis %s ok", cfg.State.RedisAddr)
	case "memory", "":
		return "memory (process-local)"
	default:
		return fmt.Sprintf("FAIL unknown backend %q", cfg.State.Backend)
	}
}

func identityLine(ctx context.Context, cfg *config.Config) string {
	driver := cfg.Identity.Driver
	if driver == "" || driver == "none" {
		return "disabled"
	}
	dsn := cfg.Identity.DSN
	if driver == "sqlite" {
		dsn = config.ExpandHome(dsn)
	}
	store, err := identity.Open(driver, dsn)
	if err != nil {
		return fmt.Sprintf("FAIL %s: %v", driver, err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Sprintf("FAIL %s unreachable: %v", driver, err)
	}
	if _, err := store.Resolve(ctx, "doctor-probe"); err != nil {
		return fmt.Sprintf("%s reachable, schema missing (run 'atrium migrate up')", driver)
	}
	return driver + " ok"
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}
