package listener

import (
	"sort"

	"frak-rpc/message"
)

// allowlist is an immutable set of normalised origins; replaced wholesale when
// the registry changes.
type allowlist struct {
	any     bool
	origins map[string]struct{}
}

func newAllowlist(origins []string) *allowlist {
	a := &allowlist{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == message.Wildcard {
			a.any = true
		}
		a.origins[o] = struct{}{}
	}
	return a
}

// check normalises origin and reports whether it may talk to us. "*" accepts
// anything, including opaque origins such as "null", which are then returned
// as is; otherwise an unparsable origin is never allowed.
func (a *allowlist) check(origin string) (string, bool) {
	normalized, err := message.NormalizeOrigin(origin)
	if a.any {
		if err != nil {
			return origin, true
		}
		return normalized, true
	}
	if err != nil {
		return "", false
	}
	_, ok := a.origins[normalized]
	return normalized, ok
}

func (a *allowlist) list() []string {
	out := make([]string, 0, len(a.origins))
	for o := range a.origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func normalizeAllowed(origin string) (string, error) {
	if origin == message.Wildcard {
		return origin, nil
	}
	return message.NormalizeOrigin(origin)
}
