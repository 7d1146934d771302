// Package transport defines the postMessage-style contract the RPC client and
// listener are built on. The core never implements a transport itself; it is
// handed one.
//
//	sender ──PostMessage(msg, targetOrigin)──► receiver's EventListeners
//	                                            MessageEvent{Origin, Data, Source}
//	receiver ──ev.Source.PostMessage(reply, ev.Origin)──► sender
//
// Implementations live in sub-packages: memory (in-process pipe) and conn
// (any net.Conn, framed with the protocol package).
package transport

// Poster is anything a message can be posted to.
//
// targetOrigin restricts delivery: the message is only delivered if the
// receiving side's origin matches it, "*" matches any receiver.
type Poster interface {
	PostMessage(msg any, targetOrigin string) error
}

// MessageEvent is one inbound message.
type MessageEvent struct {
	Origin string // Origin of the sending side
	Data   any    // Wire value, as posted
	Source Poster // Reply target; nil when the sender cannot be replied to
}

// EventListener receives message events. Implementations are compared by
// identity when removed, so pointer receivers are expected.
type EventListener interface {
	HandleMessage(ev *MessageEvent)
}

// ListenerFunc adapts a function to an EventListener. Use a pointer to it so
// that it can be removed again.
type ListenerFunc func(ev *MessageEvent)

func (f *ListenerFunc) HandleMessage(ev *MessageEvent) {
	(*f)(ev)
}

// Transport is the injected send/listen abstraction.
type Transport interface {
	Poster
	AddEventListener(l EventListener)
	RemoveEventListener(l EventListener)
}
