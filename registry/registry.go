// Package registry keeps the list of origins a listener accepts in a shared
// store, so the allowlist of a fleet of listeners can change at runtime.
//
//	Key:   {prefix}{normalised origin}     e.g. /frak-rpc/origins/https://shop.example
//	Value: JSON-encoded OriginEntry
package registry

import (
	"context"
	"time"

	"frak-rpc/message"
)

// DefaultPrefix is the key prefix under which origins are stored.
const DefaultPrefix = "/frak-rpc/origins/"

// OriginEntry is one allowed origin.
type OriginEntry struct {
	Origin  string    `json:"origin"`
	Note    string    `json:"note,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// OriginRegistry stores allowed origins.
//
// Register with ttl > 0 attaches the entry to a lease that is renewed for as
// long as the registering process lives; ttl == 0 stores it until Deregister.
// Watch emits the full list after every change until ctx ends.
type OriginRegistry interface {
	Register(ctx context.Context, entry OriginEntry, ttl int64) error
	Deregister(ctx context.Context, origin string) error
	Discover(ctx context.Context) ([]OriginEntry, error)
	Watch(ctx context.Context) <-chan []OriginEntry
}

// Origins extracts the origin strings of entries.
func Origins(entries []OriginEntry) []string {
	origins := make([]string, 0, len(entries))
	for _, e := range entries {
		origins = append(origins, e.Origin)
	}
	return origins
}

// normalizeEntry validates the entry origin and puts it in canonical form.
func normalizeEntry(entry OriginEntry) (OriginEntry, error) {
	origin, err := normalizeOrigin(entry.Origin)
	if err != nil {
		return entry, err
	}
	entry.Origin = origin
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	return entry, nil
}

func normalizeOrigin(origin string) (string, error) {
	if origin == message.Wildcard {
		return origin, nil
	}
	return message.NormalizeOrigin(origin)
}
