// Command client reads usernames from standard input, asks the router for
// their common free time and prints each reply.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/overlap/internal/client"
	"github.com/dreamware/overlap/internal/config"
	"github.com/dreamware/overlap/internal/logger"
	"github.com/dreamware/overlap/internal/wire"
)

const (
	promptText    = "Please enter the usernames to check schedule availability:"
	separatorText = "-----Start a new request-----"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(ctx, os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(ctx context.Context, in io.Reader, out, logw io.Writer) *cobra.Command {
	cfg := config.NewClient()

	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Query the router for common free time",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper("CLIENT", cmd.Flags())
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
			return run(ctx, cfg, in, out, logw)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "path to a TOML configuration file")
	fs.String("router-addr", cfg.RouterAddr, "TCP address of the router")
	fs.String("protocol", cfg.Protocol, "wire protocol: tagged or legacy")
	fs.Duration("dial-timeout", cfg.DialTimeout.Duration(), "how long to wait for the connection")
	fs.Duration("reply-timeout", 0, "how long to wait for each reply; 0 waits forever")
	logger.AddFlags(fs, cfg.Logging)

	return cmd
}

func run(ctx context.Context, cfg config.Client, in io.Reader, out, logw io.Writer) error {
	log, err := logger.New(logw, cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	proto, err := wire.ParseProtocol(cfg.Protocol)
	if err != nil {
		return err
	}

	dialCtx := ctx
	if d := cfg.DialTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	sess, err := client.Dial(dialCtx, cfg.RouterAddr, proto, log.Named("client"))
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.ReplyTimeout = cfg.ReplyTimeout.Duration()

	return repl(ctx, sess, in, out, log)
}

type asker interface {
	AskFunc(ctx context.Context, input string, fn func(text string)) (client.Reply, error)
	LocalAddr() net.Addr
}

// repl runs the prompt loop until input ends or the router goes away.
// Invalid lines are ignored and the prompt is shown again.
func repl(ctx context.Context, s asker, in io.Reader, out io.Writer, log *zap.Logger) error {
	port := 0
	if addr, ok := s.LocalAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	fmt.Fprintln(out, "Client is up and running.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintln(out, promptText)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if !client.Validate(line) {
			log.Debug("ignoring invalid input", zap.String("input", line))
			continue
		}

		fmt.Fprintln(out, "Client finished sending the usernames to Main Server.")
		_, err := s.AskFunc(ctx, line, func(text string) {
			fmt.Fprintf(out, "Client received the reply from the Main Server using TCP over port %d: \n%s\n", port, text)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, separatorText)
	}
}
