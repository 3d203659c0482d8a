package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultKeyExpire = 30 * 24 * time.Hour

// Config is the environment-driven configuration consumed by the binaries.
type Config struct {
	// PGDSN is empty when running without a database (dev/demo mode).
	PGDSN string

	HTTPAddr string

	SocketHost string
	SocketPort int

	TLSEnabled bool
	TLSCert    string
	TLSKey     string
	TLSCA      string

	// KeySecret salts every stored authentication-key digest. Required.
	KeySecret string

	// KeyExpire is the default lifetime of an issued key.
	KeyExpire time.Duration
}

// SocketAddr returns the bind address in host:port form.
func (c Config) SocketAddr() string {
	return fmt.Sprintf("%s:%d", c.SocketHost, c.SocketPort)
}

// Load reads configuration from RENKI_* environment variables and validates
// it. A missing key secret is a fatal configuration error: without it no
// stored key digest can ever be matched.
func Load() (Config, error) {
	cfg := Config{
		PGDSN:      os.Getenv("RENKI_PG_DSN"),
		HTTPAddr:   envDefault("RENKI_HTTP_ADDR", ":8080"),
		SocketHost: envDefault("RENKI_SOCKET_HOST", "0.0.0.0"),
		TLSCert:    os.Getenv("RENKI_TLS_CERT"),
		TLSKey:     os.Getenv("RENKI_TLS_KEY"),
		TLSCA:      os.Getenv("RENKI_TLS_CA"),
		KeySecret:  strings.TrimSpace(os.Getenv("RENKI_SECRET")),
		KeyExpire:  defaultKeyExpire,
	}

	if cfg.KeySecret == "" {
		return Config{}, errors.New("config: RENKI_SECRET is required")
	}

	port, err := envInt("RENKI_SOCKET_PORT", 7353)
	if err != nil {
		return Config{}, err
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("config: invalid socket port %d", port)
	}
	cfg.SocketPort = port

	if raw := os.Getenv("RENKI_SOCKET_TLS"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: RENKI_SOCKET_TLS: %w", err)
		}
		cfg.TLSEnabled = enabled
	}
	if cfg.TLSEnabled && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return Config{}, errors.New("config: TLS enabled but RENKI_TLS_CERT/RENKI_TLS_KEY missing")
	}

	if raw := os.Getenv("RENKI_KEY_EXPIRE"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("config: RENKI_KEY_EXPIRE must be a positive number of seconds")
		}
		cfg.KeyExpire = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

func envDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return v, nil
}
