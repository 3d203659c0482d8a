package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"renki.org/internal/auth"
	"renki.org/internal/config"
	"renki.org/internal/httpapi"
	"renki.org/internal/obs"
	"renki.org/internal/store/pg"
	"renki.org/internal/ticket"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		probe     httpapi.ReadyProbe
		userStore auth.Store
		keyStore  auth.KeyStore
		ledger    ticket.Service
		store     *pg.Store
	)
	if cfg.PGDSN != "" {
		store, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		probe = httpapi.ReadyProbe{DB: store.DB()}
		userStore = store
		keyStore = store
		ledger = store
	} else {
		// Dev/demo mode without a database.
		mem := auth.NewMemStore()
		userStore = mem
		keyStore = auth.NewMemKeyStore()
		ledger = ticket.NewInMemory()
	}

	keys, err := auth.NewKeyService(keyStore, userStore, cfg.KeySecret, auth.WithKeyExpire(cfg.KeyExpire))
	if err != nil {
		log.Fatalf("key service: %v", err)
	}
	tokens, err := auth.NewTokenService(cfg.KeySecret, 15*time.Minute)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	api := httpapi.New(probe, version,
		httpapi.WithKeyService(keys),
		httpapi.WithTokenService(tokens),
		httpapi.WithTicketService(ledger),
	)

	handler := httpapi.RequestID(api.Handler())
	handler = httpapi.Logging(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.RateLimit(handler, 50, 25)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.LogEvent("api", "starting", map[string]any{"version": version, "addr": srv.Addr})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.LogEvent("api", "shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	obs.LogEvent("api", "stopped", nil)
}
