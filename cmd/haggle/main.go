package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hagglehq/haggle/internal/profile"
	"github.com/hagglehq/haggle/plugin/ai"
	apiv1 "github.com/hagglehq/haggle/server/router/api/v1"
	"github.com/hagglehq/haggle/server/service/negotiation"
	"github.com/hagglehq/haggle/store"
	"github.com/hagglehq/haggle/store/cache"
	"github.com/hagglehq/haggle/store/db/postgres"
	"github.com/hagglehq/haggle/store/db/sqlite"
)

const greetingBanner = `
haggle - marketplace negotiation engine
`

var rootCmd = &cobra.Command{
	Use:   "haggle",
	Short: "An AI-assisted marketplace negotiation server",
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:             viper.GetString("mode"),
			Addr:             viper.GetString("addr"),
			Port:             viper.GetInt("port"),
			Data:             viper.GetString("data"),
			Driver:           viper.GetString("driver"),
			DSN:              viper.GetString("dsn"),
			LLMProvider:      viper.GetString("llm-provider"),
			LLMBaseURL:       viper.GetString("llm-base-url"),
			LLMAPIKey:        viper.GetString("llm-api-key"),
			LLMModel:         viper.GetString("llm-model"),
			RequestTimeout:   viper.GetDuration("request-timeout"),
			MaxRoundsDefault: viper.GetInt("max-rounds"),
			HistoryWindow:    viper.GetInt("history-window"),
			SessionTTL:       viper.GetDuration("session-ttl"),
			ArchiveRetention: viper.GetDuration("archive-retention"),
			FailFastLocking:  viper.GetBool("fail-fast"),
		}
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		return run(instanceProfile)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "demo", `mode of the server: "prod", "dev" or "demo"`)
	flags.String("addr", "", "binding address")
	flags.Int("port", 8081, "binding port")
	flags.String("data", "", "data directory")
	flags.String("driver", "", `archive driver: "sqlite", "postgres" or empty for in-memory only`)
	flags.String("dsn", "", "archive database connection string")
	flags.String("llm-provider", "openai", "LLM provider name (any OpenAI-compatible endpoint)")
	flags.String("llm-base-url", "", "LLM API base URL")
	flags.String("llm-api-key", "", "LLM API key")
	flags.String("llm-model", "gpt-4o-mini", "LLM chat model")
	flags.Duration("request-timeout", 15*time.Second, "timeout per LLM call")
	flags.Int("max-rounds", 5, "default round limit per negotiation")
	flags.Int("history-window", 10, "max turns included in a prompt")
	flags.Duration("session-ttl", 30*time.Minute, "idle TTL before hot-tier eviction")
	flags.Duration("archive-retention", 30*24*time.Hour, "how long archived sessions are kept")
	flags.Bool("fail-fast", false, "reject concurrent turns instead of queueing them")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("haggle")
	viper.AutomaticEnv()
}

func run(instanceProfile *profile.Profile) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var archive store.Archive
	switch instanceProfile.Driver {
	case "sqlite":
		a, err := sqlite.NewArchive(instanceProfile.DSN)
		if err != nil {
			return err
		}
		defer a.Close()
		archive = a
	case "postgres":
		a, err := postgres.NewArchive(instanceProfile.DSN)
		if err != nil {
			return err
		}
		defer a.Close()
		archive = a
	}

	snapshots := cache.NewLRU(1024, instanceProfile.SessionTTL)
	sessionStore := store.New(archive, snapshots, instanceProfile.SessionTTL, logger)
	sessionStore.StartEviction(ctx, 5*time.Minute)
	sessionStore.StartArchiveCleanup(ctx, time.Hour, instanceProfile.ArchiveRetention)

	var completer ai.Completer
	if instanceProfile.IsLLMEnabled() {
		provider, err := ai.NewProvider(&ai.Config{
			BaseURL:   instanceProfile.LLMBaseURL,
			APIKey:    instanceProfile.LLMAPIKey,
			ChatModel: instanceProfile.LLMModel,
			Timeout:   instanceProfile.RequestTimeout,
		})
		if err != nil {
			return err
		}
		completer = provider
	} else {
		logger.Warn("no LLM configured; every AI turn will use the pricing fallback")
	}

	engine := negotiation.NewEngine(sessionStore, completer, negotiation.Options{
		MaxRoundsDefault: instanceProfile.MaxRoundsDefault,
		HistoryWindow:    instanceProfile.HistoryWindow,
		FailFast:         instanceProfile.FailFastLocking,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	apiv1.NewNegotiationService(engine, sessionStore).Register(e)

	addr := fmt.Sprintf("%s:%d", instanceProfile.Addr, instanceProfile.Port)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	fmt.Print(greetingBanner)
	logger.Info("server started", "addr", addr, "mode", instanceProfile.Mode, "driver", instanceProfile.Driver)
	if err := e.Start(addr); err != nil && err.Error() != "http: Server closed" {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
