package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/lumberjack/pkg/receiver"
	"github.com/obsidianstack/lumberjack/pkg/types"
	"github.com/obsidianstack/lumberjack/server/internal/api"
	"github.com/obsidianstack/lumberjack/server/internal/auth"
	"github.com/obsidianstack/lumberjack/server/internal/config"
	"github.com/obsidianstack/lumberjack/server/internal/store"
	"github.com/obsidianstack/lumberjack/server/internal/ws"
)

// statsInterval is how often WebSocket clients receive collector counters.
const statsInterval = 5 * time.Second

// ready, when set, is called with the bound addresses once the collector listens.
var ready func(addr, httpAddr string)

func run(parent context.Context, f flags, stdout io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	c := cfg.Collector

	slog.Info("lumberjack-collector starting",
		"config", f.configPath,
		"addr", c.Addr(),
		"http_addr", c.HTTPAddr(),
		"retention_ttl", c.Retention.TTL,
		"max_events", c.Retention.MaxEvents,
		"auth_mode", c.Auth.Mode)

	tlsCfg, err := serverTLS(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(c.Retention.TTL, c.Retention.MaxEvents)
	go st.Run(ctx)

	var rcv *receiver.Receiver
	var publish func(*store.Entry)
	var hub *ws.Hub
	if c.HTTPAddr() != "" {
		hub = ws.New(func() receiver.Stats { return rcv.Stats() }, statsInterval)
		publish = hub.Publish
	}

	rcv = receiver.New(tlsCfg, storeHandler(st, publish, f.printJSON, stdout),
		receiver.WithIdleTimeout(c.IdleTimeout),
		receiver.WithAckDelay(c.AckDelay))
	if err := rcv.Listen(c.Addr()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rcv.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return rcv.Close()
	})

	httpAddr := ""
	if hub != nil {
		go hub.Run(gctx)
		mux := http.NewServeMux()
		mux.Handle("/api/", api.New(st, rcv.Stats))
		mux.Handle("/ws/stream", hub)
		handler := auth.APIKeyMiddleware(c.Auth.Mode, c.Auth.EffectiveHeader(), c.Auth.Key(), mux)
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		lis, err := net.Listen("tcp", c.HTTPAddr())
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("collector: api listen %s: %w", c.HTTPAddr(), err)
		}
		httpAddr = lis.Addr().String()
		g.Go(func() error {
			slog.Info("collector: api listening", "addr", httpAddr)
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
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

	if ready != nil {
		ready(rcv.Addr().String(), httpAddr)
	}

	err = g.Wait()
	s := rcv.Stats()
	slog.Info("collector: stopped",
		"connections", s.Connections,
		"events", s.Events,
		"acks", s.Acks,
		"stored", st.Count())
	return err
}

// storeHandler keeps every event, hands it to publish when set and
// optionally echoes it as a JSON line.
func storeHandler(st *store.Store, publish func(*store.Entry), echo bool, out io.Writer) receiver.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	return func(_ context.Context, seq uint32, ev types.Event) error {
		e := st.Put(seq, ev)
		if publish != nil {
			publish(e)
		}
		if !echo {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(ev)
	}
}

// serverTLS loads the collector key pair and, when configured, the CA pool
// shippers' client certificates must chain to.
func serverTLS(c config.CollectorConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.SSLCertificate, c.SSLKey)
	if err != nil {
		return nil, fmt.Errorf("collector: load key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.SSLClientCA == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.SSLClientCA)
	if err != nil {
		return nil, fmt.Errorf("collector: read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("collector: no certificates in %s", c.SSLClientCA)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
