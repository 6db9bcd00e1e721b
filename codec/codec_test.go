package codec

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sample struct {
	Width  int       `cbor:"w" msgpack:"w" json:"w"`
	Units  string    `cbor:"u" msgpack:"u" json:"u"`
	Values []float64 `cbor:"v" msgpack:"v" json:"v"`
	Tags   map[string]int
}

func newSample(n int) sample {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.Sin(float64(i)) * 1e3
	}
	return sample{
		Width:  n,
		Units:  "si",
		Values: vals,
		Tags:   map[string]int{"z": 1, "a": 2, "m": 3},
	}
}

func TestCodecsRoundTripAndAreDeterministic(t *testing.T) {
	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			c, err := ByName[sample](name)
			if err != nil {
				t.Fatal(err)
			}
			in := newSample(257)

			a, err := c.Encode(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			for i := 0; i < 5; i++ {
				b, err := c.Encode(in)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				if !bytes.Equal(a, b) {
					t.Fatalf("encoding is not deterministic on run %d", i)
				}
			}

			out, err := c.Decode(a)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(in, out); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCBORDecodesLargeArrays(t *testing.T) {
	c := MustCBOR[sample](true)
	in := newSample(300_000) // above the library's default element limit
	b, err := c.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Values) != len(in.Values) {
		t.Fatalf("got %d values want %d", len(out.Values), len(in.Values))
	}
}

func TestByNameUnknown(t *testing.T) {
	if _, err := ByName[sample]("gob"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestLimitCodec(t *testing.T) {
	c := LimitCodec[sample]{Inner: JSONCodec[sample]{}, MaxDecode: 16}
	b, err := c.Encode(newSample(8))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decode(b); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v want ErrTooLarge", err)
	}

	c.MaxDecode = 0
	if _, err := c.Decode(b); err != nil {
		t.Fatalf("unlimited decode: %v", err)
	}
}
