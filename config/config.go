// Package config loads the YAML configuration of the frakrpc command.
//
//	origin: https://wallet.frak.id
//	address: 127.0.0.1:7420
//	listener:
//	  allowedOrigins: [https://shop.example]
//	  compression: true
//	  rateLimit: {requestsPerSecond: 20, burst: 40}
//	etcd:
//	  endpoints: [127.0.0.1:2379]
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"frak-rpc/message"
	"frak-rpc/registry"
)

type Config struct {
	Origin    string         `yaml:"origin"`    // Origin of this process
	Address   string         `yaml:"address"`   // Socket address to listen on or dial
	Heartbeat time.Duration  `yaml:"heartbeat"` // Keep-alive interval, 0 disables
	LogLevel  string         `yaml:"logLevel"`
	TLS       TLSConfig      `yaml:"tls"`
	Client    ClientConfig   `yaml:"client"`
	Listener  ListenerConfig `yaml:"listener"`
	Etcd      EtcdConfig     `yaml:"etcd"`
}

type ClientConfig struct {
	TargetOrigin string        `yaml:"targetOrigin"`
	Compression  bool          `yaml:"compression"`
	Timeout      time.Duration `yaml:"timeout"` // 0 waits without a deadline
}

type ListenerConfig struct {
	AllowedOrigins  []string        `yaml:"allowedOrigins"`
	Compression     bool            `yaml:"compression"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
	MetricsAddress  string          `yaml:"metricsAddress"` // Empty disables /metrics
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
}

// RateLimitConfig is per origin; a zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig enables mutual TLS on the socket. Both sides present a
// certificate signed by the CA carrying their origin as a URI SAN; a peer's
// origin is then taken from its certificate rather than its own claim. Without it socket origins are not
// authenticated.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// ServerConfig requires and verifies client certificates.
func (t TLSConfig) ServerConfig() (*tls.Config, error) {
	cert, pool, err := t.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	cert, pool, err := t.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (t TLSConfig) load() (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load tls certificate: %w", err)
	}
	ca, err := os.ReadFile(t.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read tls ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificate found in %s", t.CAFile)
	}
	return cert, pool, nil
}

// EtcdConfig enables the shared origin allowlist when endpoints are set.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	TTL       int64    `yaml:"ttl"` // Seconds; 0 stores origins without a lease
}

func Default() Config {
	return Config{
		Address:   "127.0.0.1:7420",
		Heartbeat: 30 * time.Second,
		LogLevel:  "info",
		Client: ClientConfig{
			Timeout: 30 * time.Second,
		},
		Listener: ListenerConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Etcd: EtcdConfig{
			Prefix: registry.DefaultPrefix,
		},
	}
}

// Load reads path over the defaults, applies FRAKRPC_* environment overrides
// and validates the result. An empty path loads the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("FRAKRPC_ORIGIN")); v != "" {
		cfg.Origin = v
	}
	if v := strings.TrimSpace(os.Getenv("FRAKRPC_ADDRESS")); v != "" {
		cfg.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("FRAKRPC_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("FRAKRPC_ETCD_ENDPOINTS")); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
}

func (c Config) Validate() error {
	if c.Origin != "" {
		if _, err := message.NormalizeOrigin(c.Origin); err != nil {
			return fmt.Errorf("origin: %w", err)
		}
	}
	if c.Client.TargetOrigin != "" {
		if _, err := message.NormalizeOrigin(c.Client.TargetOrigin); err != nil {
			return fmt.Errorf("client.targetOrigin: %w", err)
		}
	}
	for _, o := range c.Listener.AllowedOrigins {
		if o == message.Wildcard {
			continue
		}
		if _, err := message.NormalizeOrigin(o); err != nil {
			return fmt.Errorf("listener.allowedOrigins: %w", err)
		}
	}
	if c.Listener.RateLimit.RequestsPerSecond < 0 || c.Listener.RateLimit.Burst < 0 {
		return fmt.Errorf("listener.rateLimit must not be negative")
	}
	if c.Listener.RateLimit.RequestsPerSecond > 0 && c.Listener.RateLimit.Burst == 0 {
		return fmt.Errorf("listener.rateLimit.burst must be set with requestsPerSecond")
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "" || c.TLS.CAFile == "") {
		return errors.New("tls needs certFile, keyFile and caFile")
	}
	if c.Heartbeat < 0 || c.Client.Timeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
