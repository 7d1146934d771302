// Package codec serializes values for the wire.
//
// Two layers live here:
//
//   - Codec: a pluggable body serializer used by socket transports to move
//     envelopes (msgpack, which keeps binary blobs apart from strings).
//   - HashAndCompress / DecompressAndCheckHash: the hash-protected payload
//     format, a compact msgpack object embedding a keccak256 digest of its own
//     fields so that tampering or corruption in transit is detected.
package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v4"
)

type CodecType byte

const (
	CodecTypeMsgpack CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for a frame codec byte, nil if unknown.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpack {
		return &MsgpackCodec{}
	}
	return nil
}

// MsgpackCodec encodes deterministically: map keys are sorted and integers use
// their most compact representation, so equal values always give equal bytes.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf).SortMapKeys(true).UseCompactEncoding(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes into v. Decoding into *any yields map[string]any for objects,
// []byte for binary, and int64/uint64/float64 for numbers.
func (c *MsgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseDecodeInterfaceLoose(true)
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
