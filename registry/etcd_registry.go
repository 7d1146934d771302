package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements OriginRegistry on etcd v3.
//
// Leased entries disappear on their own when the registering process dies,
// so a crashed operator tool never leaves a stale origin behind.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) {
		r.prefix = prefix
	}
}

// WithLogger sets the logger, zap.NewNop() by default.
func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		r.logger = logger
	}
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	r := &EtcdRegistry{client: c, prefix: DefaultPrefix, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the etcd connection. Leases kept alive by this registry stop
// being renewed and expire after their TTL.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// Register stores entry, leased for ttl seconds when ttl > 0.
//
// Flow for leased entries:
//  1. Grant a lease with the given TTL
//  2. Put the entry with the lease attached
//  3. KeepAlive renews the lease in the background
func (r *EtcdRegistry) Register(ctx context.Context, entry OriginEntry, ttl int64) error {
	entry, err := normalizeEntry(entry)
	if err != nil {
		return err
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		_, err = r.client.Put(ctx, r.prefix+entry.Origin, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err = r.client.Put(ctx, r.prefix+entry.Origin, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The renewal must outlive the caller's ctx, it ends with the client
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an origin.
func (r *EtcdRegistry) Deregister(ctx context.Context, origin string) error {
	origin, err := normalizeOrigin(origin)
	if err != nil {
		return err
	}
	_, err = r.client.Delete(ctx, r.prefix+origin)
	return err
}

// Discover returns all registered origins.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]OriginEntry, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	entries := make([]OriginEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry OriginEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			r.logger.Warn("skipping malformed origin entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Watch emits the full origin list on every change under the prefix (new
// registrations, removals, lease expirations). The channel is closed once ctx
// ends.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []OriginEntry {
	ch := make(chan []OriginEntry, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("origin watch error", zap.Error(err))
				continue
			}
			// Re-read the full list, simpler than applying individual events
			entries, err := r.Discover(ctx)
			if err != nil {
				r.logger.Warn("failed to refresh origins", zap.Error(err))
				continue
			}
			select {
			case ch <- entries:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}
