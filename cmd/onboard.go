package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/config"
)

var (
	onboardForce bool
	onboardAuto  bool
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a config file, interactively or from the environment",
	RunE:  runOnboard,
}

func init() {
	onboardCmd.Flags().BoolVar(&onboardForce, "force", false, "overwrite an existing config file")
	onboardCmd.Flags().BoolVar(&onboardAuto, "auto", false, "non-interactive: derive settings from the environment")
}

func runOnboard(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !onboardForce {
		return fmt.Errorf("%s already exists, rerun with --force to overwrite", path)
	}
	if onboardAuto {
		return runOnboardAuto(path)
	}

	cfg := config.Default()

	var (
		host           = cfg.Gateway.Host
		port           = strconv.Itoa(cfg.Gateway.Port)
		backend        = cfg.State.Backend
		redisAddr      = cfg.State.RedisAddr
		identityDriver = cfg.Identity.Driver
		baseURL        = cfg.Generation.Primary.BaseURL
		model          = cfg.Generation.Primary.Model
		loungeHost     = "Atlas"
		moderationMode = cfg.Moderation.Mode
		seedDefaults   = cfg.Rooms.SeedDefaults
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen host").
				Description("Interface the WebSocket gateway binds to.").
				Value(&host),
			huh.NewInput().
				Title("Listen port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return errors.New("port must be between 1 and 65535")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("State backend").
				Description("Redis survives restarts; memory is for development.").
				Options(huh.NewOptions("memory", "redis")...).
				Value(&backend),
			huh.NewInput().
				Title("Redis address").
				Placeholder("127.0.0.1:6379").
				Value(&redisAddr),
		).WithHideFunc(func() bool { return backend != "redis" }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Identity store").
				Description("Durable per-user stats. The DSN comes from ATRIUM_IDENTITY_DSN.").
				Options(huh.NewOptions("sqlite", "postgres", "none")...).
				Value(&identityDriver),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Generation endpoint").
				Description("Any OpenAI-compatible chat completions API.").
				Value(&baseURL),
			huh.NewInput().
				Title("Generation model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Lounge host name").
				Description("The persona presiding over the main lounge.").
				Value(&loungeHost),
			huh.NewSelect[string]().
				Title("Moderation").
				Options(huh.NewOptions("off", "keyword")...).
				Value(&moderationMode),
			huh.NewConfirm().
				Title("Seed the default rooms on startup?").
				Value(&seedDefaults),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("onboarding cancelled")
			return nil
		}
		return err
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}

	cfg.Gateway.Host = host
	cfg.Gateway.Port = portNum
	cfg.State.Backend = backend
	cfg.State.RedisAddr = redisAddr
	cfg.Identity.Driver = identityDriver
	cfg.Generation.Primary.BaseURL = baseURL
	cfg.Generation.Primary.Model = model
	cfg.Moderation.Mode = moderationMode
	cfg.Rooms.SeedDefaults = seedDefaults
	if loungeHost != "" && loungeHost != "Atlas" {
		cfg.Rooms.Personas = map[string]config.PersonaConfig{
			"casual_lounge": {Name: loungeHost},
		}
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("config written to %s\n\n", path)
	fmt.Println("Secrets are read from the environment, never from the file:")
	fmt.Println("  ATRIUM_PRIMARY_API_KEY     generation API key")
	fmt.Println("  ATRIUM_ANTHROPIC_API_KEY   fallback generation key (optional)")
	if backend == "redis" {
		fmt.Println("  ATRIUM_REDIS_PASSWORD      redis auth (if required)")
	}
	switch identityDriver {
	case "postgres":
		fmt.Println("  ATRIUM_IDENTITY_DSN        postgres connection string")
		fmt.Println("\nThen create the schema:  atrium migrate up")
	case "sqlite":
		fmt.Println("\nThen create the schema:  atrium migrate up")
	}
	fmt.Println("\nStart the server:  atrium")
	return nil
}

// runOnboardAuto writes a config without asking questions: defaults,
// ATRIUM_* environment values, and a Redis probe to pick the backend.
func runOnboardAuto(path string) error {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	if os.Getenv("ATRIUM_STATE_BACKEND") == "" && tcpReachable(cfg.State.RedisAddr) {
		cfg.State.Backend = "redis"
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	detected := func(key string) string {
		if os.Getenv(key) != "" {
			return "detected"
		}
		return "not set"
	}
	fmt.Printf("config written to %s\n", path)
	fmt.Printf("  state backend            %s\n", cfg.State.Backend)
	fmt.Printf("  identity driver          %s\n", cfg.Identity.Driver)
	fmt.Printf("  generation endpoint      %s\n", cfg.Generation.Primary.BaseURL)
	fmt.Printf("  ATRIUM_PRIMARY_API_KEY   %s\n", detected("ATRIUM_PRIMARY_API_KEY"))
	fmt.Printf("  ATRIUM_ANTHROPIC_API_KEY %s\n", detected("ATRIUM_ANTHROPIC_API_KEY"))
	fmt.Printf("  ATRIUM_IDENTITY_DSN      %s\n", detected("ATRIUM_IDENTITY_DSN"))
	return nil
}
