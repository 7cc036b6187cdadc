// Command causalkv runs a replica with an HTTP API.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv"
	"github.com/DobryySoul/causalkv/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cfg := defaultConfig()

	cmd := &cobra.Command{
		Use:          "causalkv",
		Short:        "Run a causalkv replica",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &loaded, cfg)
			if err := loaded.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, loaded)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (.toml, .yaml)")
	flags.StringVar(&cfg.ReplicaID, "id", cfg.ReplicaID, "replica id (random when empty)")
	flags.StringVar(&cfg.Partition, "partition", cfg.Partition, "partition name")
	flags.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "gossip namespace")
	flags.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "gossip bind address (empty disables sync)")
	flags.StringSliceVar(&cfg.Seeds, "seeds", cfg.Seeds, "comma-separated gossip peers")
	flags.BoolVar(&cfg.Discovery, "discovery", cfg.Discovery, "discover peers with mDNS")
	flags.DurationVar(&cfg.GossipInterval, "gossip-interval", cfg.GossipInterval, "peer announcement interval")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory (empty keeps data in memory)")
	flags.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP API address")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	flags.BoolVar(&cfg.Log.Development, "log-dev", cfg.Log.Development, "development logging")
	return cmd
}

// applyFlags copies explicitly set flags from flagged over cfg.
func applyFlags(cmd *cobra.Command, cfg *Config, flagged Config) {
	changed := cmd.Flags().Changed
	if changed("id") {
		cfg.ReplicaID = flagged.ReplicaID
	}
	if changed("partition") {
		cfg.Partition = flagged.Partition
	}
	if changed("namespace") {
		cfg.Namespace = flagged.Namespace
	}
	if changed("bind") {
		cfg.BindAddr = flagged.BindAddr
	}
	if changed("seeds") {
		cfg.Seeds = flagged.Seeds
	}
	if changed("discovery") {
		cfg.Discovery = flagged.Discovery
	}
	if changed("gossip-interval") {
		cfg.GossipInterval = flagged.GossipInterval
	}
	if changed("data-dir") {
		cfg.DataDir = flagged.DataDir
	}
	if changed("http") {
		cfg.HTTPAddr = flagged.HTTPAddr
	}
	if changed("log-level") {
		cfg.Log.Level = flagged.Log.Level
	}
	if changed("log-dev") {
		cfg.Log.Development = flagged.Log.Development
	}
}

func dbOptions(cfg Config, logger *zap.Logger) []causalkv.Option {
	opts := []causalkv.Option{
		causalkv.WithNamespace(cfg.Namespace),
		causalkv.WithDiscovery(cfg.Discovery),
		causalkv.WithGossipInterval(cfg.GossipInterval),
		causalkv.WithCodec(causalkv.BytesCodec{}),
		causalkv.WithLogger(logger),
		causalkv.WithErrorHandler(func(err error) {
			logger.Debug("replica error", zap.Error(err))
		}),
	}
	if cfg.ReplicaID != "" {
		opts = append(opts, causalkv.WithReplicaID(cfg.ReplicaID))
	}
	if cfg.BindAddr != "" {
		opts = append(opts, causalkv.WithBindAddr(cfg.BindAddr), causalkv.WithSeeds(cfg.Seeds))
	}
	if cfg.DataDir != "" {
		opts = append(opts, causalkv.WithDataDir(cfg.DataDir))
	}
	return opts
}

func run(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := causalkv.Open[string, []byte](ctx, cfg.Partition, dbOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			logger.Warn("close replica", zap.Error(err))
		}
	}()
	logger.Info("replica running",
		zap.String("replica", db.ReplicaID()),
		zap.String("partition", db.Partition()),
		zap.String("gossip", db.Addr()))

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	server := httpapi.NewServer(db, logger.Named("http"))
	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
