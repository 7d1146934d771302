package codec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ValidationHashKey is the field holding the digest inside a protected payload.
const ValidationHashKey = "validationHash"

var (
	ErrEmptyPayload   = errors.New("codec: empty compressed payload")
	ErrInvalidPayload = errors.New("codec: invalid compressed payload")
	ErrMissingHash    = errors.New("codec: compressed payload has no validation hash")
	ErrHashMismatch   = errors.New("codec: validation hash mismatch")
)

var protected = &MsgpackCodec{}

// HashAndCompress encodes {...payload, validationHash} where validationHash is
// the keccak256 of the encoding of payload alone. payload must encode to an
// object (a map or a struct).
func HashAndCompress(payload any) ([]byte, error) {
	fields, err := normalize(payload)
	if err != nil {
		return nil, err
	}

	hash, err := digest(fields)
	if err != nil {
		return nil, err
	}

	fields[ValidationHashKey] = hash
	return protected.Encode(fields)
}

// DecompressAndCheckHash decodes a protected payload and verifies its digest.
// On success the full object is returned, validationHash included.
func DecompressAndCheckHash(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var decoded map[string]any
	if err := protected.Decode(data, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if decoded == nil {
		return nil, ErrInvalidPayload
	}

	stored, ok := decoded[ValidationHashKey].(string)
	if !ok || stored == "" {
		return nil, ErrMissingHash
	}

	// Recompute over every field but the hash itself
	fields := make(map[string]any, len(decoded)-1)
	for k, v := range decoded {
		if k != ValidationHashKey {
			fields[k] = v
		}
	}
	expected, err := digest(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if expected != stored {
		return nil, ErrHashMismatch
	}
	return decoded, nil
}

// StripHash returns a copy of a decompressed payload without its validation hash.
func StripHash(decoded map[string]any) map[string]any {
	out := make(map[string]any, len(decoded))
	for k, v := range decoded {
		if k != ValidationHashKey {
			out[k] = v
		}
	}
	return out
}

// normalize turns any value into the map a receiver would decode, so that the
// digest computed here is the digest the receiver recomputes.
func normalize(payload any) (map[string]any, error) {
	raw, err := protected.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: encode payload: %w", err)
	}
	var fields map[string]any
	if err := protected.Decode(raw, &fields); err != nil {
		return nil, fmt.Errorf("codec: payload must encode to an object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("codec: payload must encode to an object")
	}
	return fields, nil
}

func digest(fields map[string]any) (string, error) {
	raw, err := protected.Encode(fields)
	if err != nil {
		return "", err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}
