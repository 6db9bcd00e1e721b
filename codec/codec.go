// Package codec turns result grids into the bytes the content store hashes.
//
// Encoders used for content addressing must be deterministic: equal values must
// always produce equal bytes, or identical outputs stop sharing a blob.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names lists the codecs accepted by ByName.
var Names = []string{"cbor", "msgpack", "json"}

// ByName returns the deterministic codec registered under name. An empty name
// selects CBOR.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "cbor":
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	case "json":
		return JSONCodec[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q (want one of %v)", name, Names)
	}
}
