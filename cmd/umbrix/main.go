package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/umbrix-io/umbrix/pkg/api"
	"github.com/umbrix-io/umbrix/pkg/cache"
	"github.com/umbrix-io/umbrix/pkg/config"
	"github.com/umbrix-io/umbrix/pkg/connector"
	"github.com/umbrix-io/umbrix/pkg/events"
	"github.com/umbrix-io/umbrix/pkg/lock"
	"github.com/umbrix-io/umbrix/pkg/log"
	"github.com/umbrix-io/umbrix/pkg/mailer"
	"github.com/umbrix-io/umbrix/pkg/notification"
	"github.com/umbrix-io/umbrix/pkg/outcome"
	"github.com/umbrix-io/umbrix/pkg/publisher"
	"github.com/umbrix-io/umbrix/pkg/storage"
	"github.com/umbrix-io/umbrix/pkg/stream"
	"github.com/umbrix-io/umbrix/pkg/types"
	"github.com/umbrix-io/umbrix/pkg/webhook"
)

// rulesKey is the Redis hash the platform maintains with the active
// notification rule catalogue (field = rule id, value = JSON rule).
const rulesKey = "notification_rules"

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "umbrix",
	Short: "Umbrix - notification outcome dispatch service",
	Long: `Umbrix consumes the platform notification stream and delivers
notifications to their configured outcomes: in-platform inbox records,
templated emails and outbound webhooks.

Multiple instances coordinate through a Redis leadership lock so at
most one of them dispatches at any time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Umbrix version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification dispatch service",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Msg("Starting umbrix")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	registry := connector.NewRegistry()
	outcomeSvc := outcome.NewService(store, registry, broker)
	notificationSvc := notification.NewService(store, broker)

	catalogue := cache.New(
		func(ctx context.Context) (*types.Settings, error) {
			return cfg.Settings(), nil
		},
		func(ctx context.Context) ([]*types.Outcome, error) {
			return outcomeSvc.Usable()
		},
		func(ctx context.Context) ([]*types.Rule, error) {
			return loadRules(ctx, redisClient)
		},
	)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go catalogue.WatchBroker(watchCtx, broker)

	hostname, _ := os.Hostname()
	processors := func(handler stream.Handler) publisher.Processor {
		return stream.NewProcessor(redisClient, hostname, handler, stream.Options{
			Stream: cfg.Redis.Stream,
		})
	}

	manager := publisher.NewManager(publisher.Config{
		Enabled:          cfg.Publisher.Enabled,
		LockKey:          cfg.Publisher.LockKey,
		LockTTL:          cfg.Publisher.LockTTL,
		ScheduleInterval: cfg.Publisher.ScheduleInterval,
		PollInterval:     cfg.Publisher.PollInterval,
		DocURI:           cfg.Platform.DocURI,
	},
		publisher.NewRedisLocker(lock.NewLocker(redisClient)),
		processors,
		catalogue,
		notificationSvc,
		mailer.NewSMTPMailer(mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}),
		webhook.NewHTTPSender(),
	)
	if err := manager.Start(ctx); err != nil {
		return err
	}

	apiServer := api.NewServer(manager, outcomeSvc, registry)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.API.Listen); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()
	logger.Info().Str("listen", cfg.API.Listen).Msg("API server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Shutting down after server failure")
	case <-ctx.Done():
	}

	manager.Shutdown()
	if err := apiServer.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop API server")
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// loadRules reads the notification rule catalogue from Redis. Entries
// that fail to decode are skipped so one bad rule cannot take the
// whole dispatch pipeline down
func loadRules(ctx context.Context, client *redis.Client) ([]*types.Rule, error) {
	entries, err := client.HGetAll(ctx, rulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load notification rules: %w", err)
	}
	rules := make([]*types.Rule, 0, len(entries))
	for id, raw := range entries {
		var rule types.Rule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			logger := log.WithComponent("main")
			logger.Warn().Err(err).Str("rule_id", id).Msg("Skipping undecodable rule")
			continue
		}
		if rule.ID == "" {
			rule.ID = id
		}
		rules = append(rules, &rule)
	}
	return rules, nil
}
