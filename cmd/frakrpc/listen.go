package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"frak-rpc/listener"
	"frak-rpc/message"
	"frak-rpc/middleware"
	"frak-rpc/transport/conn"
)

type listenCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	metricsAddress string
}

func newListenCommandeer(rootCommandeer *rootCommandeer) *listenCommandeer {
	commandeer := &listenCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve the demo handlers on a socket",
		Long: `Serve the demo handlers on a socket.

Without tls in the configuration, socket peers state their own origin and
the allowlist only filters honest peers. With tls, every peer must present a
certificate signed by the configured CA, and its origin is the origin URI of
that certificate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootCommandeer.initialize(); err != nil {
				return err
			}
			if commandeer.metricsAddress != "" {
				rootCommandeer.config.Listener.MetricsAddress = commandeer.metricsAddress
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return commandeer.run(ctx)
		},
	}

	cmd.Flags().StringVar(&commandeer.metricsAddress, "metrics-address", "", "Serve /metrics on this address")

	commandeer.cmd = cmd
	return commandeer
}

func (lc *listenCommandeer) run(ctx context.Context) error {
	cfg := lc.rootCommandeer.config
	logger := lc.rootCommandeer.logger
	defer logger.Sync() //nolint:errcheck

	if cfg.Origin == "" {
		return errors.New("listen requires an origin")
	}

	steps, err := lc.middleware(ctx)
	if err != nil {
		return err
	}

	connOpts := []conn.Option{conn.WithLogger(logger), conn.WithHeartbeat(cfg.Heartbeat)}
	if cfg.TLS.Enabled() {
		connOpts = append(connOpts, conn.WithPeerOrigin(conn.TLSPeerOrigin))
	} else {
		logger.Warn("tls is not configured: socket peers claim their own origin and the allowlist cannot authenticate them")
	}
	srv := conn.NewServer(cfg.Origin, connOpts...)
	opts := []listener.Option{
		listener.WithLogger(logger),
		listener.WithMiddleware(steps...),
		listener.WithLifecycleHandlers(listener.LifecycleHandlers{
			Client: func(ctx context.Context, event string, data any, rc *middleware.Context) error {
				logger.Info("client lifecycle event", zap.String("event", event), zap.String("origin", rc.Origin))
				return nil
			},
		}),
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := lc.rootCommandeer.openRegistry()
		if err != nil {
			return fmt.Errorf("failed to open origin registry: %w", err)
		}
		defer reg.Close()
		opts = append(opts, listener.WithOriginRegistry(reg))
	}

	l, err := listener.New(srv, cfg.Listener.AllowedOrigins, opts...)
	if err != nil {
		return err
	}
	registerDemoHandlers(l)

	ln, err := lc.listen()
	if err != nil {
		l.Cleanup()
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("listening",
		zap.String("address", ln.Addr().String()),
		zap.String("origin", cfg.Origin),
		zap.Strings("allowed", l.AllowedOrigins()))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		l.Cleanup()
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Listener.ShutdownTimeout)
	defer cancel()
	if err := l.Shutdown(shutdownCtx); err != nil {
		logger.Warn("listener shutdown", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

// listen opens the socket, wrapped in mutual TLS when configured.
func (lc *listenCommandeer) listen() (net.Listener, error) {
	cfg := lc.rootCommandeer.config
	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		var err error
		if tlsConfig, err = cfg.TLS.ServerConfig(); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// middleware builds the listener chain from the configuration. Compression
// runs last so the other steps see plain responses.
func (lc *listenCommandeer) middleware(ctx context.Context) ([]middleware.Step, error) {
	cfg := lc.rootCommandeer.config
	logger := lc.rootCommandeer.logger

	var steps []middleware.Step
	if rl := cfg.Listener.RateLimit; rl.RequestsPerSecond > 0 {
		steps = append(steps, middleware.RateLimit(rl.RequestsPerSecond, rl.Burst))
	}
	steps = append(steps, middleware.Logging(logger))

	if cfg.Listener.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		metrics, err := middleware.NewMetrics("frakrpc", reg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, metrics)
		serveMetrics(ctx, cfg.Listener.MetricsAddress, reg, logger)
	}

	if cfg.Listener.Compression {
		steps = append(steps, middleware.ListenerCompression())
	}
	return steps, nil
}

func serveMetrics(ctx context.Context, address string, gatherer prometheus.Gatherer, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("serving metrics", zap.String("address", address))
}

type tickerParams struct {
	Count      int `mapstructure:"count"`
	IntervalMs int `mapstructure:"intervalMs"`
}

func registerDemoHandlers(l *listener.Listener) {
	l.Handle("ping", func(context.Context, any, *middleware.Context) (any, error) {
		return "pong", nil
	})
	l.Handle("echo", func(ctx context.Context, params any, rc *middleware.Context) (any, error) {
		return params, nil
	})
	l.HandleStream("ticker", func(ctx context.Context, params any, rc *middleware.Context, emit listener.Emitter) error {
		p := tickerParams{Count: 3, IntervalMs: 1000}
		if m, ok := params.(map[string]any); ok {
			if err := message.Decode(m, &p); err != nil {
				return message.Errorf(message.CodeInvalidParams, "invalid ticker params: %v", err)
			}
		}
		if p.Count <= 0 || p.IntervalMs < 0 {
			return message.NewError(message.CodeInvalidParams, "count must be positive and intervalMs not negative")
		}

		interval := time.Duration(p.IntervalMs) * time.Millisecond
		for i := 1; i <= p.Count; i++ {
			emit(map[string]any{"tick": i, "origin": rc.Origin})
			if i == p.Count {
				break
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
		return nil
	})
}
