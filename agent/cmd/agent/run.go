package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/lumberjack/agent/internal/config"
	"github.com/obsidianstack/lumberjack/agent/internal/metrics"
	"github.com/obsidianstack/lumberjack/agent/internal/shipper"
)

func run(parent context.Context, f flags, files []string, stdin io.Reader, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	slog.SetDefault(newLogger(os.Stdout, cfg.Log.Format, level))

	slog.Info("lumberjack-agent starting",
		"config", f.configPath,
		"hosts", cfg.Output.Hosts,
		"port", cfg.Output.Port,
		"inputs", len(files))

	m := metrics.New()
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ship, err := shipper.New(cfg.Output, shipper.WithMetrics(m))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, _ := os.Hostname()

	// Input runs outside the group: a read blocked on stdin cannot be
	// cancelled, so a signal must not wait for it.
	inputErr := make(chan error, 1)
	go func() {
		n, err := shipInputs(ctx, ship, files, stdin, host)
		slog.Info("agent: input finished", "events", n)
		inputErr <- err
		stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := config.Watch(gctx, f.configPath, func(updated *config.Config) {
			lvl := parseLevel(updated.Log.Level)
			if lvl != level.Level() {
				level.Set(lvl)
				slog.Info("agent: log level changed", "level", lvl.String())
			}
		})
		if err != nil {
			slog.Warn("agent: config watcher stopped", "err", err)
		}
		return nil
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("agent: metrics listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	runErr := g.Wait()
	select {
	case err := <-inputErr:
		runErr = multierr.Append(runErr, err)
	default:
		slog.Warn("agent: interrupted before input was consumed")
	}

	slog.Info("agent: shutting down", "buffered", ship.Buffered())
	closeErr := ship.Close()
	if closeErr != nil {
		slog.Error("agent: shutdown incomplete", "err", closeErr)
	}

	if f.dumpMetrics {
		if err := m.WriteText(stderr); err != nil {
			slog.Warn("agent: metrics dump failed", "err", err)
		}
	}

	return multierr.Append(runErr, closeErr)
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
