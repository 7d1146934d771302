package message

import "fmt"

// Kind is the result of classifying an inbound value.
type Kind int

const (
	KindUnknown   Kind = iota // Anything else; silently ignored
	KindLifecycle             // {clientLifecycle|iframeLifecycle, data?}
	KindCustom                // {type, payload?} without id/topic
	KindRPC                   // {id, topic, data}
)

func (k Kind) String() string {
	switch k {
	case KindLifecycle:
		return "lifecycle"
	case KindCustom:
		return "custom"
	case KindRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// Lifecycle discriminant keys.
const (
	ClientLifecycleKey = "clientLifecycle"
	IframeLifecycleKey = "iframeLifecycle"
)

// Classify inspects arbitrary inbound data. It never panics and never fails:
// malformed input is KindUnknown.
func Classify(data any) Kind {
	m, ok := asMap(data)
	if !ok {
		return KindUnknown
	}
	if has(m, ClientLifecycleKey) || has(m, IframeLifecycleKey) {
		return KindLifecycle
	}
	if has(m, "type") && !has(m, KeyID) && !has(m, KeyTopic) {
		return KindCustom
	}
	if has(m, KeyID) && has(m, KeyTopic) && has(m, KeyData) {
		return KindRPC
	}
	return KindUnknown
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// Lifecycle is a fire-and-forget notification (handshake, heartbeat, css push,
// redirect...). Exactly one of ClientLifecycle and IframeLifecycle is set.
type Lifecycle struct {
	ClientLifecycle string
	IframeLifecycle string
	Data            any
}

// ClientEvent returns a client-to-frame lifecycle message.
func ClientEvent(event string, data any) Lifecycle {
	return Lifecycle{ClientLifecycle: event, Data: data}
}

// IframeEvent returns a frame-to-client lifecycle message.
func IframeEvent(event string, data any) Lifecycle {
	return Lifecycle{IframeLifecycle: event, Data: data}
}

// IsClient reports whether this is a clientLifecycle message.
func (l Lifecycle) IsClient() bool {
	return l.ClientLifecycle != ""
}

// Event returns the event name, whichever side it comes from.
func (l Lifecycle) Event() string {
	if l.IsClient() {
		return l.ClientLifecycle
	}
	return l.IframeLifecycle
}

// Wire returns the map form, with no id.
func (l Lifecycle) Wire() map[string]any {
	w := map[string]any{}
	if l.IsClient() {
		w[ClientLifecycleKey] = l.ClientLifecycle
	} else {
		w[IframeLifecycleKey] = l.IframeLifecycle
	}
	if l.Data != nil {
		w[KeyData] = l.Data
	}
	return w
}

// ParseLifecycle reads a value that Classify reported as KindLifecycle.
func ParseLifecycle(data any) (Lifecycle, error) {
	m, ok := asMap(data)
	if !ok {
		return Lifecycle{}, fmt.Errorf("message: lifecycle message must be an object, got %T", data)
	}
	if ev, ok := m[ClientLifecycleKey]; ok {
		name, ok := ev.(string)
		if !ok {
			return Lifecycle{}, fmt.Errorf("message: clientLifecycle must be a string, got %T", ev)
		}
		return ClientEvent(name, m[KeyData]), nil
	}
	ev := m[IframeLifecycleKey]
	name, ok := ev.(string)
	if !ok {
		return Lifecycle{}, fmt.Errorf("message: iframeLifecycle must be a string, got %T", ev)
	}
	return IframeEvent(name, m[KeyData]), nil
}

// Custom is a non-RPC, non-lifecycle notification (e.g. SSO completion).
type Custom struct {
	Type    string
	Payload any
}

// Wire returns the {type, payload?} map.
func (c Custom) Wire() map[string]any {
	w := map[string]any{"type": c.Type}
	if c.Payload != nil {
		w["payload"] = c.Payload
	}
	return w
}

// ParseCustom reads a value that Classify reported as KindCustom.
func ParseCustom(data any) (Custom, error) {
	m, ok := asMap(data)
	if !ok {
		return Custom{}, fmt.Errorf("message: custom message must be an object, got %T", data)
	}
	typ, ok := m["type"].(string)
	if !ok {
		return Custom{}, fmt.Errorf("message: custom message type must be a string, got %T", m["type"])
	}
	return Custom{Type: typ, Payload: m["payload"]}, nil
}
