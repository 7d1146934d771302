// Package memory provides an in-process transport pair with postMessage
// semantics, the Go stand-in for a host page and its embedded frame.
//
//	host := Pipe("https://shop.example", "https://wallet.frak.id")
//	host.PostMessage(msg, "https://wallet.frak.id") → frame listeners
//	frame.PostMessage(msg, "https://shop.example")  → host listeners
//
// Delivery is synchronous on the posting goroutine and preserves order.
package memory

import (
	"errors"
	"sync/atomic"

	"frak-rpc/message"
	"frak-rpc/transport"
)

var ErrClosed = errors.New("memory: endpoint closed")

// Endpoint is one side of a pipe.
type Endpoint struct {
	origin    string
	peer      *Endpoint
	listeners transport.Listeners
	closed    atomic.Bool
}

// Pipe returns two connected endpoints living at the given origins.
func Pipe(originA, originB string) (*Endpoint, *Endpoint) {
	a := &Endpoint{origin: originA}
	b := &Endpoint{origin: originB}
	a.peer = b
	b.peer = a
	return a, b
}

// Origin returns the origin this endpoint stamps on the messages it sends.
func (e *Endpoint) Origin() string {
	return e.origin
}

// Peer returns the other side of the pipe.
func (e *Endpoint) Peer() *Endpoint {
	return e.peer
}

// PostMessage delivers msg to the peer's listeners. Like a browser, a target
// origin that does not match the peer drops the message without an error.
func (e *Endpoint) PostMessage(msg any, targetOrigin string) error {
	if e.closed.Load() || e.peer.closed.Load() {
		return ErrClosed
	}
	if targetOrigin != message.Wildcard && !message.SameOrigin(targetOrigin, e.peer.origin) {
		return nil
	}
	// The peer replies through its own endpoint, which delivers back here.
	e.peer.listeners.Dispatch(&transport.MessageEvent{
		Origin: e.origin,
		Data:   msg,
		Source: e.peer,
	})
	return nil
}

func (e *Endpoint) AddEventListener(l transport.EventListener) {
	e.listeners.Add(l)
}

func (e *Endpoint) RemoveEventListener(l transport.EventListener) {
	e.listeners.Remove(l)
}

// ListenerCount returns the number of registered listeners.
func (e *Endpoint) ListenerCount() int {
	return e.listeners.Len()
}

// Close stops delivery in both directions.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	return nil
}
