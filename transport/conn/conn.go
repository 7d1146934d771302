// Package conn carries postMessage traffic over a stream socket.
//
// Every posted message travels as an envelope {origin, targetOrigin, data},
// msgpack-encoded and wrapped in a protocol frame. The receiving side drops
// envelopes whose target origin does not match its own, as a browser would.
//
// The envelope origin is whatever the sender claims, so by default origins are
// not authenticated over sockets and an allowlist only filters honest peers.
// WithPeerOrigin pins each connection to an origin established by the
// transport itself (TLSPeerOrigin reads it from the client certificate); the
// event origin is then that pinned origin and mismatching claims are dropped.
//
//	Conn A (origin a) ──frame{origin:a, targetOrigin:b, data}──► Conn B (origin b)
//	                                                         MessageEvent{Origin:a, Source:B}
//
// A single reader goroutine (recvLoop) parses frames sequentially and
// dispatches them in arrival order. Writers share one mutex so frames never
// interleave.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"frak-rpc/codec"
	"frak-rpc/message"
	"frak-rpc/protocol"
	"frak-rpc/transport"
)

var ErrClosed = errors.New("conn: connection closed")

// DefaultHeartbeat is the interval between keep-alive frames.
const DefaultHeartbeat = 30 * time.Second

type envelope struct {
	Origin       string `msgpack:"origin"`
	TargetOrigin string `msgpack:"targetOrigin"`
	Data         any    `msgpack:"data"`
}

type options struct {
	logger     *zap.Logger
	heartbeat  time.Duration
	peerOrigin PeerOriginFunc
	tlsConfig  *tls.Config
}

// Option configures a Conn or a Server.
type Option func(*options)

// WithLogger sets the logger, zap.NewNop() by default.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHeartbeat sets the keep-alive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Conn is a Transport over one net.Conn.
type Conn struct {
	conn      net.Conn
	origin    string
	codec     codec.Codec
	listeners *transport.Listeners
	logger    *zap.Logger

	peerOrigin PeerOriginFunc
	peer       string // Pinned remote origin, owned by recvLoop

	sending sync.Mutex // Serializes frame writes
	closed  atomic.Bool
	done    chan struct{}
	err     error // Set before done is closed
}

// New wraps nc as a transport living at origin and starts its read loop.
func New(nc net.Conn, origin string, opts ...Option) *Conn {
	return newConn(nc, origin, &transport.Listeners{}, buildOptions(opts))
}

// Dial connects to address and returns the resulting transport, over TLS
// when WithTLS is given.
func Dial(ctx context.Context, network, address, origin string, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	var (
		nc  net.Conn
		err error
	)
	if o.tlsConfig != nil {
		d := tls.Dialer{Config: o.tlsConfig}
		nc, err = d.DialContext(ctx, network, address)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, network, address)
	}
	if err != nil {
		return nil, err
	}
	return newConn(nc, origin, &transport.Listeners{}, o), nil
}

func newConn(nc net.Conn, origin string, listeners *transport.Listeners, o options) *Conn {
	c := &Conn{
		conn:      nc,
		origin:    origin,
		codec:     codec.GetCodec(codec.CodecTypeMsgpack),
		listeners: listeners,
		logger:    o.logger.With(zap.String("remote", nc.RemoteAddr().String())),
		done:      make(chan struct{}),

		peerOrigin: o.peerOrigin,
	}
	go c.recvLoop()
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

// Origin returns the origin stamped on outgoing envelopes.
func (c *Conn) Origin() string {
	return c.origin
}

// PostMessage sends msg to the remote side. Delivery is filtered there
// against targetOrigin.
func (c *Conn) PostMessage(msg any, targetOrigin string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	body, err := c.codec.Encode(&envelope{
		Origin:       c.origin,
		TargetOrigin: targetOrigin,
		Data:         msg,
	})
	if err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeEnvelope,
		BodyLen:   uint32(len(body)),
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.conn, &header, body)
}

func (c *Conn) AddEventListener(l transport.EventListener) {
	c.listeners.Add(l)
}

func (c *Conn) RemoveEventListener(l transport.EventListener) {
	c.listeners.Remove(l)
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, nil while running or after
// a local Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) recvLoop() {
	defer close(c.done)
	if c.peerOrigin != nil && !c.establishPeer() {
		return
	}
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.err = err
				c.logger.Debug("connection ended", zap.Error(err))
			}
			c.closed.Store(true)
			c.conn.Close()
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var env envelope
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &env); err != nil {
			c.logger.Warn("dropping undecodable envelope", zap.Error(err))
			continue
		}
		if env.TargetOrigin != message.Wildcard && !message.SameOrigin(env.TargetOrigin, c.origin) {
			c.logger.Debug("dropping envelope for another origin",
				zap.String("targetOrigin", env.TargetOrigin))
			continue
		}

		origin := env.Origin
		if c.peer != "" {
			if !message.SameOrigin(env.Origin, c.peer) {
				c.logger.Warn("dropping envelope claiming another origin",
					zap.String("claimed", env.Origin), zap.String("peer", c.peer))
				continue
			}
			origin = c.peer
		}

		c.listeners.Dispatch(&transport.MessageEvent{
			Origin: origin,
			Data:   env.Data,
			Source: c,
		})
	}
}

// establishPeer pins the remote origin, closing the connection on failure.
func (c *Conn) establishPeer() bool {
	ctx, cancel := context.WithTimeout(context.Background(), PeerOriginTimeout)
	defer cancel()
	peer, err := c.peerOrigin(ctx, c.conn)
	if err == nil {
		peer, err = message.NormalizeOrigin(peer)
	}
	if err != nil {
		c.logger.Warn("rejecting connection without a peer origin", zap.Error(err))
		c.err = err
		c.closed.Store(true)
		c.conn.Close()
		return false
	}
	c.peer = peer
	return true
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{
		CodecType: protocol.CodecTypeMsgpack,
		MsgType:   protocol.MsgTypeHeartbeat,
	}
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sending.Lock()
			err := protocol.Encode(c.conn, header, nil)
			c.sending.Unlock()
			if err != nil {
				return
			}
		}
	}
}
