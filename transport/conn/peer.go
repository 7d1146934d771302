package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"frak-rpc/message"
)

// PeerOriginFunc establishes the origin of the remote side of nc. It runs once
// per connection, on the read goroutine, before any frame is accepted.
type PeerOriginFunc func(ctx context.Context, nc net.Conn) (string, error)

// WithPeerOrigin pins every connection to the origin fn establishes. Events
// then carry that origin, and envelopes claiming another one are dropped.
// Without it the envelope origin is the peer's own claim.
func WithPeerOrigin(fn PeerOriginFunc) Option {
	return func(o *options) {
		o.peerOrigin = fn
	}
}

// WithTLS makes Dial open a TLS connection with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// PeerOriginTimeout bounds the handshake run by a PeerOriginFunc.
const PeerOriginTimeout = 10 * time.Second

// TLSPeerOrigin reads the origin from the first URI SAN of the verified peer
// certificate, e.g. URI:https://shop.example. nc must be a *tls.Conn whose
// config verifies peer certificates (tls.RequireAndVerifyClientCert on a
// server).
func TLSPeerOrigin(ctx context.Context, nc net.Conn) (string, error) {
	tc, ok := nc.(*tls.Conn)
	if !ok {
		return "", errors.New("conn: peer origin requires a TLS connection")
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return "", fmt.Errorf("conn: tls handshake: %w", err)
	}
	state := tc.ConnectionState()
	if len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
		return "", errors.New("conn: peer presented no verified certificate")
	}
	for _, uri := range state.PeerCertificates[0].URIs {
		if origin, err := message.NormalizeOrigin(uri.String()); err == nil {
			return origin, nil
		}
	}
	return "", errors.New("conn: peer certificate carries no origin URI")
}
