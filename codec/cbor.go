package codec

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes with fxamacker/cbor. Build it with NewCBOR or MustCBOR; the
// zero value has no modes and panics on use.
type CBOR[V any] struct {
	em cbor.EncMode
	dm cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

// NewCBOR returns a CBOR codec.
//
// Content addressing needs deterministic=true: RFC 8949 core deterministic
// encoding sorts map keys and picks the shortest lossless form of every
// integer and float. A float64 grid round-trips bit for bit and equal grids
// encode to equal bytes.
//
// The decoder accepts arrays up to math.MaxInt32 elements and rejects
// duplicate map keys.
func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, fmt.Errorf("codec: cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{
		MaxArrayElements: math.MaxInt32,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		return CBOR[V]{}, fmt.Errorf("codec: cbor decoder: %w", err)
	}
	return CBOR[V]{em: em, dm: dm}, nil
}

// MustCBOR is NewCBOR for package-level variables and tests.
func MustCBOR[V any](deterministic bool) CBOR[V] {
	c, err := NewCBOR[V](deterministic)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.em.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	if err := c.dm.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("codec: cbor: %w", err)
	}
	return v, nil
}
