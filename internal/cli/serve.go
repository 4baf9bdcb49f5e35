package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/svcbus/internal/broker"
	"github.com/snehjoshi/svcbus/internal/config"
	"github.com/snehjoshi/svcbus/internal/metrics"
	transphttp "github.com/snehjoshi/svcbus/internal/transport/http"
)

// shutdownGrace bounds how long in-flight requests and handlers get on exit.
const shutdownGrace = 5 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the svcbus daemon",
		Aliases: []string{"run"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.Node.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().Int("port", 0, "override node.port")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the daemon's slog logger from the log section.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", lc.Format)
	}
}

// serve runs the broker and its HTTP surface until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var opts []broker.Option
	opts = append(opts, broker.WithLogger(log))
	if cfg.Metrics.Enabled {
		opts = append(opts, broker.WithMetrics(metrics.New()))
	}
	b, err := broker.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	srv := transphttp.New(b, log)
	addr := net.JoinHostPort(cfg.Node.Host, strconv.Itoa(cfg.Node.Port))

	serveErr := make(chan error, 1)
	go func() {
		log.Info("svcbus ready", "instance", b.Instance(), "node", b.Self().Name(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("server shutdown error", "err", err)
	}
	if err := b.Close(shutCtx); err != nil {
		log.Warn("broker close error", "err", err)
	}
	log.Info("svcbus stopped")
	return runErr
}
