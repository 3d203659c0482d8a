package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"renki.org/internal/auth"
	"renki.org/internal/config"
	"renki.org/internal/obs"
	"renki.org/internal/socket"
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

	stream := ticket.NewStream()

	var (
		userStore auth.Store
		keyStore  auth.KeyStore
		ledger    ticket.Service
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		userStore = store
		keyStore = store
		ledger = store.WithStream(stream)
	} else {
		userStore = auth.NewMemStore()
		keyStore = auth.NewMemKeyStore()
		ledger = ticket.NewInMemory().WithStream(stream)
	}

	keys, err := auth.NewKeyService(keyStore, userStore, cfg.KeySecret, auth.WithKeyExpire(cfg.KeyExpire))
	if err != nil {
		log.Fatalf("key service: %v", err)
	}

	var opts []socket.ServerOption
	if cfg.TLSEnabled {
		tlsConfig, err := serverTLSConfig(cfg)
		if err != nil {
			log.Fatalf("tls: %v", err)
		}
		opts = append(opts, socket.WithTLSConfig(tlsConfig))
	}

	srv := socket.NewServer(cfg.SocketAddr(), socket.DefaultHandlers(keys, ledger), opts...)
	if err := srv.Listen(); err != nil {
		log.Fatalf("listen %s: %v", cfg.SocketAddr(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.WatchStream(ctx, stream)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	obs.LogEvent("ticketd", "started", map[string]any{
		"version": version, "addr": srv.Addr(), "tls": cfg.TLSEnabled,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		obs.LogEvent("ticketd", "signal received, shutting down", nil)
	case err := <-errCh:
		if err != nil {
			obs.LogEvent("ticketd", "server failed", map[string]any{"error": err.Error()})
		}
	}

	srv.Stop()
	obs.LogEvent("ticketd", "stopped", nil)
}

// serverTLSConfig builds the listener TLS configuration. When a CA bundle
// is supplied, client certificates are required and verified against it.
func serverTLSConfig(cfg config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLSCA != "" {
		caPEM, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("no certificates parsed from CA bundle")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}
