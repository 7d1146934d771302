package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"frak-rpc/client"
	"frak-rpc/middleware"
	"frak-rpc/transport/conn"
)

type callCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
}

func newCallCommandeer(rootCommandeer *rootCommandeer) *callCommandeer {
	commandeer := &callCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "call method [json-params]",
		Short: "Call a method and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			if err := rootCommandeer.initialize(); err != nil {
				return err
			}

			ctx, cancel := withTimeout(cmd.Context(), rootCommandeer.config.Client.Timeout)
			defer cancel()

			c, closeFn, err := rootCommandeer.dialClient(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := c.Request(ctx, args[0], params)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}

	commandeer.cmd = cmd
	return commandeer
}

type subscribeCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	count          int
}

func newSubscribeCommandeer(rootCommandeer *rootCommandeer) *subscribeCommandeer {
	commandeer := &subscribeCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "subscribe method [json-params]",
		Short: "Subscribe to a method and print every result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			if err := rootCommandeer.initialize(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := withTimeout(ctx, rootCommandeer.config.Client.Timeout)
			defer cancel()
			c, closeFn, err := rootCommandeer.dialClient(dialCtx)
			if err != nil {
				return err
			}
			defer closeFn()

			return commandeer.run(ctx, c, args[0], params, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&commandeer.count, "count", "n", 0, "Stop after this many results, 0 waits for an interrupt")

	commandeer.cmd = cmd
	return commandeer
}

func (sc *subscribeCommandeer) run(ctx context.Context, c *client.Client, method string, params any, out io.Writer) error {
	results := make(chan any, 16)
	done := make(chan struct{})
	defer close(done)

	unsubscribe, err := c.Listen(ctx, method, params, func(result any) {
		select {
		case results <- result:
		case <-done:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for received := 0; sc.count == 0 || received < sc.count; received++ {
		select {
		case <-ctx.Done():
			return nil
		case result := <-results:
			if err := printResult(out, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// dialClient connects to the configured address and returns a client for the
// configured target, and a func closing both.
func (rc *rootCommandeer) dialClient(ctx context.Context) (*client.Client, func(), error) {
	cfg := rc.config
	if cfg.Origin == "" {
		return nil, nil, errors.New("an origin is required to call a listener")
	}
	if cfg.Client.TargetOrigin == "" {
		return nil, nil, errors.New("a target origin is required to call a listener")
	}

	connOpts := []conn.Option{conn.WithLogger(rc.logger), conn.WithHeartbeat(cfg.Heartbeat)}
	if cfg.TLS.Enabled() {
		tlsConfig, err := cfg.TLS.ClientConfig()
		if err != nil {
			return nil, nil, err
		}
		connOpts = append(connOpts, conn.WithTLS(tlsConfig), conn.WithPeerOrigin(conn.TLSPeerOrigin))
	}
	tr, err := conn.Dial(ctx, "tcp", cfg.Address, cfg.Origin, connOpts...)
	if err != nil {
		return nil, nil, err
	}

	opts := []client.Option{client.WithLogger(rc.logger)}
	if cfg.Client.Compression {
		opts = append(opts, client.WithMiddleware(middleware.ClientCompression(rc.logger)))
	}
	c, err := client.New(tr, cfg.Client.TargetOrigin, opts...)
	if err != nil {
		tr.Close()
		return nil, nil, err
	}
	return c, func() {
		c.Cleanup()
		tr.Close()
	}, nil
}

// withTimeout bounds ctx by d; a zero d leaves it without a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func parseParams(args []string) (any, error) {
	if len(args) == 0 {
		return []any{}, nil
	}
	var params any
	if err := json.Unmarshal([]byte(args[0]), &params); err != nil {
		return nil, fmt.Errorf("params must be JSON: %w", err)
	}
	return params, nil
}

func printResult(out io.Writer, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
