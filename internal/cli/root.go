package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/partywatch/internal/control"
	"github.com/vietddude/partywatch/internal/core/config"
	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/indexing/handler"
	"github.com/vietddude/partywatch/internal/indexing/health"
	"github.com/vietddude/partywatch/internal/indexing/recovery"
	"github.com/vietddude/partywatch/internal/indexing/subscription"
	"github.com/vietddude/partywatch/internal/infra/chain/evm"
	"github.com/vietddude/partywatch/internal/infra/notify"
	"github.com/vietddude/partywatch/internal/infra/notify/discord"
	"github.com/vietddude/partywatch/internal/infra/stream"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "partywatch",
	Short: "Crowdfund and token launch relay",
	Long:  `Partywatch follows token launches and crowdfunds on Base and relays them to Discord.`,
	Run:   runPartywatch,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the chain and relay events (default)",
	Run:   runPartywatch,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads .env and the config file, then installs the logger.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func runPartywatch(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Partywatch stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Partywatch stopped")
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	abis, err := evm.LoadABIs()
	if err != nil {
		_ = store.Close()
		return err
	}
	decoder, err := evm.NewDecoder(abis)
	if err != nil {
		_ = store.Close()
		return err
	}

	conn := stream.NewConnection(stream.Config{
		URL:         cfg.Chain.WSURL,
		OpenTimeout: cfg.Chain.OpenTimeout,
		BufferSize:  cfg.Chain.BufferSize,
	}, stream.DialEthereum)
	reader := evm.NewReader(conn, abis, cfg.Chain.CallTimeout)

	dispatcher, closeDispatcher, err := openDispatcher(cfg.Discord)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer closeDispatcher()

	monitor := health.NewMonitor(health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		PingInterval:  cfg.Health.PingInterval,
		StaleAfter:    cfg.Health.StaleAfter,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
	}, conn, dispatcher, nil)

	orch := control.New(control.Config{
		Factories:      factories(cfg.Chain, decoder),
		EntityBindings: entityBindings(decoder),
		Backoff: &recovery.ExponentialBackoff{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			Classifier:   recovery.ClassifyConnection,
		},
		GracePeriod:     cfg.Shutdown.GracePeriod,
		RestoreInterval: cfg.Restore.RetryInterval,
		BackfillBlocks:  cfg.Chain.BackfillBlocks,
	}, conn, store, decoder, dispatcher, monitor)

	renderer := handler.NewRenderer(cfg.Discord.LowFIDRole, cfg.Discord.FIDThreshold)
	handler.New(store, reader, dispatcher, orch, renderer).Register(orch.Table())
	monitor.SetStatusProvider(orch)

	server := health.NewServer(monitor, cfg.Server.Port, cfg.Server.GRPCPort)

	slog.Info("Partywatch starting",
		"config", cfgPath,
		"storage", cfg.Storage.Backend,
		"crowdfund_factory", cfg.Chain.CrowdfundFactory,
		"port", cfg.Server.Port,
	)

	// The server outlives ctx so /health reports the drain.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopServer()
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(serverCtx)
	})

	err = g.Wait()
	if errors.Is(err, control.ErrReconnectExhausted) {
		return fmt.Errorf("giving up on the event stream: %w", err)
	}
	return err
}

// openDispatcher returns the Discord dispatcher when a bot token is
// configured, otherwise one that only logs.
func openDispatcher(cfg discord.Config) (notify.Dispatcher, func(), error) {
	if cfg.Token == "" {
		slog.Warn("No discord token configured, notifications will only be logged")
		return notify.NewLogDispatcher(), func() {}, nil
	}

	d, err := discord.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Open(); err != nil {
		return nil, nil, err
	}
	return d, func() {
		if err := d.Close(); err != nil {
			slog.Warn("Failed to close discord session", "error", err)
		}
	}, nil
}

func factories(cfg config.ChainConfig, decoder *evm.Decoder) []control.Factory {
	out := []control.Factory{{
		Kind:    domain.KindCrowdfundCreated,
		Address: cfg.CrowdfundFactoryAddress(),
		Topic:   decoder.Topic(domain.KindCrowdfundCreated),
	}}
	if addr, ok := cfg.ClankerFactoryAddress(); ok {
		out = append(out, control.Factory{
			Kind:    domain.KindTokenCreated,
			Address: addr,
			Topic:   decoder.Topic(domain.KindTokenCreated),
		})
	}
	return out
}

func entityBindings(decoder *evm.Decoder) []subscription.Binding {
	out := make([]subscription.Binding, 0, len(domain.EntityKinds))
	for _, kind := range domain.EntityKinds {
		out = append(out, subscription.Binding{Kind: kind, Topic: decoder.Topic(kind)})
	}
	return out
}
