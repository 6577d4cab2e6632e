package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tradepost.ai/internal/persistence/store"
	"tradepost.ai/internal/persistence/tradelog"
	"tradepost.ai/internal/sim/ledger"
	"tradepost.ai/internal/sim/negotiation"
	"tradepost.ai/internal/sim/reflect"
	"tradepost.ai/internal/sim/session"
	"tradepost.ai/internal/sim/trade"
	"tradepost.ai/internal/sim/tuning"
	"tradepost.ai/internal/transport/httpapi"
	"tradepost.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configDir  = flag.String("configs", "./configs", "config directory")
		schemaDir  = flag.String("schemas", "./schemas", "request schema directory (empty to disable validation)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	st, err := store.Open(filepath.Join(*dataDir, "ledger.db"))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	l, err := ledger.New(st, tune, logger)
	if err != nil {
		logger.Fatalf("ledger: %v", err)
	}

	trades := tradelog.New(filepath.Join(*dataDir, "trades"))
	defer trades.Close()

	exec := trade.New(l, trades, logger)
	negs := negotiation.New(st, l, exec, logger)

	ctx, cancel := signalContext()
	defer cancel()

	sessions, err := session.New(ctx, st, l, logger)
	if err != nil {
		logger.Fatalf("session: %v", err)
	}

	// Reflection loop: completes any one-sided trades left behind by crashes
	// or deferred recording.
	reflector := reflect.New(l, logger, time.Duration(tune.PendingWarnAfterS)*time.Second)
	go func() {
		ticker := time.NewTicker(time.Duration(tune.ReflectEverySec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := reflector.ProcessReflections(ctx); err != nil {
					logger.Printf("reflection pass: %v", err)
				} else if n > 0 {
					logger.Printf("reflection pass resolved %d transactions", n)
				}
			}
		}
	}()

	api, err := httpapi.NewServer(l, exec, negs, sessions, strings.TrimSpace(*schemaDir), logger)
	if err != nil {
		logger.Fatalf("http api: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	api.Register(mux)
	mux.HandleFunc("/v1/ws", ws.NewServer(l, logger).Handler())

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s (data=%s)", *addr, *dataDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("serve: %v", err)
	}
	logger.Printf("shut down")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
