package wire

import (
	"bytes"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

const version uint64 = 1

// field numbers of the object envelope
const (
	fieldVersion protowire.Number = 1
	fieldHash    protowire.Number = 2
	fieldPayload protowire.Number = 3
)

var (
	ErrCorrupt = errors.New("surfcache: corrupt object")
	magic4     = [...]byte{'S', 'U', 'R', 'F'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Object: magic(4) | {1: version varint} | {2: hash bytes} | {3: payload bytes}
//
// The body is protobuf wire format written field by field in ascending order.
// Decoding is strict: fields must appear exactly once, in order, with nothing
// after the payload.
func EncodeObject(hash, payload []byte) []byte {
	b := make([]byte, 0, 4+
		protowire.SizeTag(fieldVersion)+protowire.SizeVarint(version)+
		protowire.SizeTag(fieldHash)+protowire.SizeBytes(len(hash))+
		protowire.SizeTag(fieldPayload)+protowire.SizeBytes(len(payload)))

	b = append(b, magic4[:]...)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, version)
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, hash)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// DecodeObject returns the hash and payload carried by b. The payload aliases b.
func DecodeObject(b []byte) (hash, payload []byte, err error) {
	if !hasMagic(b) {
		return nil, nil, ErrCorrupt
	}
	b = b[4:]

	v, b, ok := consumeVarint(b, fieldVersion)
	if !ok || v != version {
		return nil, nil, ErrCorrupt
	}
	hash, b, ok = consumeBytes(b, fieldHash)
	if !ok {
		return nil, nil, ErrCorrupt
	}
	payload, b, ok = consumeBytes(b, fieldPayload)
	if !ok || len(b) != 0 {
		return nil, nil, ErrCorrupt
	}
	return hash, payload, nil
}

func consumeVarint(b []byte, want protowire.Number) (uint64, []byte, bool) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != want || typ != protowire.VarintType {
		return 0, nil, false
	}
	b = b[n:]
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, false
	}
	return v, b[n:], true
}

func consumeBytes(b []byte, want protowire.Number) ([]byte, []byte, bool) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != want || typ != protowire.BytesType {
		return nil, nil, false
	}
	b = b[n:]
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, false
	}
	return v, b[n:], true
}
