// Command shard serves one partition of the schedule data to the router.
//
//	shard serve --id A --addr 127.0.0.1:21984 --schedules a.txt
//	shard import --schedules a.txt --database a.db
//	shard serve --id A --database a.db
//
// Schedules are read from a text file of "name;[[s, e], ...]" lines or from a
// bolt database produced by import. Settings may also come from a TOML file
// (--config) and SHARD_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/overlap/internal/cluster"
	"github.com/dreamware/overlap/internal/config"
	"github.com/dreamware/overlap/internal/logger"
	"github.com/dreamware/overlap/internal/shard"
	"github.com/dreamware/overlap/internal/storage"
	"github.com/dreamware/overlap/internal/wire"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(ctx, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(ctx context.Context, logw io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "shard",
		Short:        "Serve a partition of user schedules",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand(ctx, logw), newImportCommand(logw))
	return cmd
}

// loadConfig layers the config file, environment and flags over the defaults.
func loadConfig(fs *pflag.FlagSet) (config.Shard, error) {
	cfg := config.NewShard()
	v, err := config.NewViper("SHARD", fs)
	if err != nil {
		return cfg, err
	}
	if err := config.Load(v.GetString("config"), &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Apply(v); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func addCommonFlags(fs *pflag.FlagSet, cfg config.Shard) {
	fs.String("config", "", "path to a TOML configuration file")
	fs.String("schedules", "", "text file of user schedules")
	fs.String("database", "", "bolt database of user schedules")
	logger.AddFlags(fs, cfg.Logging)
}

func newServeCommand(ctx context.Context, logw io.Writer) *cobra.Command {
	defaults := config.NewShard()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Announce the roster to the router and answer its queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(ctx, cfg, logw)
		},
	}

	fs := cmd.Flags()
	fs.String("id", defaults.ID, "shard identifier as configured on the router")
	fs.String("addr", defaults.Addr, "UDP address to bind; the router identifies the shard by it")
	fs.String("router-addr", defaults.RouterAddr, "UDP address of the router")
	fs.String("protocol", defaults.Protocol, "wire protocol: tagged or legacy")
	fs.Duration("announce-every", 0, "resend the roster at this interval until the first query; 0 sends it once")
	addCommonFlags(fs, defaults)
	return cmd
}

func newImportCommand(logw io.Writer) *cobra.Command {
	defaults := config.NewShard()
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy a schedules text file into a bolt database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Schedules == "" || cfg.Database == "" {
				return errors.New("import needs both --schedules and --database")
			}
			log, err := logger.New(logw, cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return importSchedules(cfg.Schedules, cfg.Database, log)
		},
	}
	addCommonFlags(cmd.Flags(), defaults)
	return cmd
}

func importSchedules(src, dst string, log *zap.Logger) error {
	store, err := storage.LoadFile(src)
	if err != nil {
		return err
	}
	if err := storage.SaveBolt(dst, store); err != nil {
		return err
	}
	stats := store.Stats()
	log.Info("imported schedules",
		zap.String("from", src),
		zap.String("to", dst),
		zap.Int("users", stats.Users),
		zap.Int("intervals", stats.Intervals))
	return nil
}

func openStore(cfg config.Shard) (storage.Store, error) {
	if cfg.Database != "" {
		return storage.LoadBolt(cfg.Database)
	}
	return storage.LoadFile(cfg.Schedules)
}

func serve(ctx context.Context, cfg config.Shard, logw io.Writer) error {
	log, err := logger.New(logw, cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	proto, err := wire.ParseProtocol(cfg.Protocol)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	stats := store.Stats()
	log.Info("loaded schedules",
		zap.String("shard", cfg.ID),
		zap.Int("users", stats.Users),
		zap.Int("intervals", stats.Intervals))

	ep, err := cluster.Listen(cfg.Addr, wire.MaxDatagram)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	defer ep.Close()

	s := shard.New(cfg.ID, store, log.Named("shard"))
	srv := shard.NewServer(s, ep, wire.NewCodec(proto, wire.KindQuery), cfg.RouterAddr, log.Named("server"))
	srv.AnnounceEvery = cfg.AnnounceEvery.Duration()

	log.Info("shard listening",
		zap.String("shard", cfg.ID),
		zap.Stringer("addr", ep.LocalAddr()),
		zap.String("router", cfg.RouterAddr))
	if err := srv.Run(ctx); err != nil {
		log.Error("shard failed", zap.Error(err))
		return err
	}
	log.Info("shard stopped", zap.Any("stats", s.GetStats()))
	return nil
}
