// Command router accepts client queries over TCP, fans them out to the
// schedule shards over UDP and replies with the common free time.
//
// Configuration comes from an optional TOML file (--config), then from
// ROUTER_* environment variables and flags:
//
//	router --shard A=127.0.0.1:21984 --shard B=127.0.0.1:22984 \
//	  --client-addr 127.0.0.1:24984 --admin-addr 127.0.0.1:8080
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/overlap/internal/config"
	"github.com/dreamware/overlap/internal/logger"
	"github.com/dreamware/overlap/internal/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(ctx, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(ctx context.Context, logw io.Writer) *cobra.Command {
	cfg := config.NewRouter()

	cmd := &cobra.Command{
		Use:          "router",
		Short:        "Route free-time queries to the schedule shards",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper("ROUTER", cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.Load(v.GetString("config"), &cfg); err != nil {
				return err
			}
			if err := cfg.Apply(v); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(ctx, cfg, logw)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "path to a TOML configuration file")
	fs.String("client-addr", cfg.ClientAddr, "TCP address clients connect to")
	fs.String("shard-addr", cfg.ShardAddr, "UDP address shards send to")
	fs.String("admin-addr", "", "HTTP address for /health, /shards, /rosters and /metrics; empty disables it")
	fs.StringSlice("shard", nil, "shard as ID=host:port, repeatable (default A=127.0.0.1:21984,B=127.0.0.1:22984)")
	fs.String("protocol", cfg.Protocol, "wire protocol: tagged or legacy")
	fs.Duration("await-timeout", 0, "how long to wait for shard results; 0 waits forever")
	fs.Duration("health-interval", cfg.HealthInterval.Duration(), "how often shard health is checked; 0 disables checks")
	fs.Duration("stall-after", cfg.StallAfter.Duration(), "how long a shard may hold a query before it counts as a miss")
	logger.AddFlags(fs, cfg.Logging)

	return cmd
}

func run(ctx context.Context, cfg config.Router, logw io.Writer) error {
	log, err := logger.New(logw, cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r, err := router.New(cfg.RouterConfig(), log.Named("router"), reg)
	if err != nil {
		return err
	}
	if err := r.Run(ctx); err != nil {
		log.Error("router failed", zap.Error(err))
		return err
	}
	log.Info("router stopped")
	return nil
}
