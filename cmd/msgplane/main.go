// Command msgplane runs the in-memory message plane: a ROUTER socket for
// request/reply RPC, a PULL socket for one-way ingest and a PUB socket for
// fan-out, all over one shared event store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"msgplane/internal/config"
	"msgplane/internal/fanout"
	"msgplane/internal/ingest"
	"msgplane/internal/logging"
	"msgplane/internal/metrics"
	"msgplane/internal/rpc"
	"msgplane/internal/server"
	"msgplane/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "msgplane:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	state := store.NewState(cfg.StoreMaxLen, cfg.TopicMax, reg)

	router := zmq4.NewRouter(ctx)
	if err := router.Listen(cfg.RPCEndpoint); err != nil {
		return fmt.Errorf("bind rpc endpoint: %w", err)
	}
	defer router.Close()

	pull := zmq4.NewPull(ctx)
	if err := pull.Listen(cfg.IngestEndpoint); err != nil {
		return fmt.Errorf("bind ingest endpoint: %w", err)
	}
	defer pull.Close()

	var pub zmq4.Socket
	if cfg.PubEnabled {
		pub = zmq4.NewPub(ctx)
		if err := pub.Listen(cfg.PubEndpoint); err != nil {
			return fmt.Errorf("bind pub endpoint: %w", err)
		}
		defer pub.Close()
	}

	var nc *nats.Conn
	if cfg.NATSUrl != "" {
		nc, err = nats.Connect(cfg.NATSUrl, nats.Name("msgplane"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		log.Info("nats mirror connected", zap.String("url", cfg.NATSUrl))
	}

	bcast := fanout.New(cfg.PubEnabled, pub, nc, log, reg)
	handler := rpc.NewHandler(cfg, state, bcast, log, reg)
	srv := server.New(handler, log, cfg.EffectiveWorkers())
	recv := ingest.New(cfg, state, bcast, log, reg)

	var httpSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		httpSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	log.Info("msgplane listening",
		zap.String("rpc", cfg.RPCEndpoint),
		zap.String("ingest", cfg.IngestEndpoint),
		zap.String("pub", cfg.PubEndpoint),
		zap.Bool("pub_enabled", cfg.PubEnabled),
		zap.String("validate_mode", cfg.ValidateMode),
		zap.Int("workers", cfg.EffectiveWorkers()))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		srv.Run(ctx, router)
	}()
	go func() {
		defer wg.Done()
		recv.Run(ctx, pull)
	}()
	go func() {
		defer wg.Done()
		bcast.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Closing the sockets unblocks the Recv loops; the server drains its
	// queued tasks before returning.
	router.Close()
	pull.Close()
	wg.Wait()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
	return nil
}
