package surfcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// DefaultQuantum is the normalization step used when Normalization.Quantum is unset.
const DefaultQuantum = 1e-9

// bumped whenever the canonical encoding below changes
const fingerprintVersion byte = 1

// maxSteps keeps quantized values well inside int64.
const maxSteps = 1 << 62

// Fingerprint addresses a computation by its (normalized) input parameters.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Region is the rectangular slice of the two plotted axes.
type Region struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Params fully describe one slice computation. Everything that changes the
// output must live here; nothing else may.
type Params struct {
	Region     Region
	Resolution float64 // grid step on both axes
	Function   string  // evaluation function variant, resolved via Options.Functions
	Units      string  // unit system of axes and values, e.g. "si" or "ft"

	// Axis keys of the plotted dimensions (e.g. "x", "y", "tau").
	XAxis, YAxis string
	// Fixed values of the dimensions that are not plotted.
	Inputs map[string]float64
}

// Normalization is the float canonicalization policy applied before fingerprinting.
//
// Every float parameter is snapped to an integer number of Quantum steps. A coarse
// quantum makes visually distinct requests share a key; a fine one lets float
// noise (0.1+0.2 vs 0.3) defeat deduplication.
type Normalization struct {
	Quantum float64
}

func (n Normalization) quantum() float64 {
	if n.Quantum <= 0 || math.IsNaN(n.Quantum) || math.IsInf(n.Quantum, 0) {
		return DefaultQuantum
	}
	return n.Quantum
}

func (n Normalization) steps(v float64) int64 {
	return int64(math.Round(v / n.quantum()))
}

func (n Normalization) snap(v float64) float64 {
	return float64(n.steps(v)) * n.quantum()
}

// Validate rejects parameter sets that cannot be fingerprinted or evaluated.
func (n Normalization) Validate(p Params) error {
	if p.Function == "" {
		return fmt.Errorf("%w: function is required", ErrInvalidParams)
	}
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidParams, name)
		}
		if math.Abs(v/n.quantum()) >= maxSteps {
			return fmt.Errorf("%w: %s out of range for quantum %g", ErrInvalidParams, name, n.quantum())
		}
		return nil
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"region.xmin", p.Region.XMin},
		{"region.xmax", p.Region.XMax},
		{"region.ymin", p.Region.YMin},
		{"region.ymax", p.Region.YMax},
		{"resolution", p.Resolution},
	} {
		if err := check(f.name, f.v); err != nil {
			return err
		}
	}
	for k, v := range p.Inputs {
		if err := check("input "+k, v); err != nil {
			return err
		}
	}

	q := n.Normalize(p)
	if q.Resolution <= 0 {
		return fmt.Errorf("%w: resolution %g rounds to zero at quantum %g", ErrInvalidParams, p.Resolution, n.quantum())
	}
	if q.Region.XMax < q.Region.XMin || q.Region.YMax < q.Region.YMin {
		return fmt.Errorf("%w: inverted region", ErrInvalidParams)
	}
	return nil
}

// Normalize returns a copy of p with every float snapped to the quantum grid.
// The generator evaluates the normalized params, so the output always matches
// the fingerprint it is stored under.
func (n Normalization) Normalize(p Params) Params {
	out := p
	out.Region = Region{
		XMin: n.snap(p.Region.XMin),
		XMax: n.snap(p.Region.XMax),
		YMin: n.snap(p.Region.YMin),
		YMax: n.snap(p.Region.YMax),
	}
	out.Resolution = n.snap(p.Resolution)
	if p.Inputs != nil {
		out.Inputs = make(map[string]float64, len(p.Inputs))
		for k, v := range p.Inputs {
			out.Inputs[k] = n.snap(v)
		}
	}
	return out
}

// Fingerprint hashes a canonical encoding of p. It is pure and deterministic
// across processes: map order, float noise below the quantum and anything not
// in Params never reach the hash.
func (n Normalization) Fingerprint(p Params) Fingerprint {
	buf := make([]byte, 0, 128+32*len(p.Inputs))
	buf = append(buf, fingerprintVersion)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(n.quantum()))

	buf = appendString(buf, p.Function)
	buf = appendString(buf, p.Units)
	buf = appendString(buf, p.XAxis)
	buf = appendString(buf, p.YAxis)

	for _, v := range []float64{p.Region.XMin, p.Region.XMax, p.Region.YMin, p.Region.YMax, p.Resolution} {
		buf = binary.AppendVarint(buf, n.steps(v))
	}

	keys := make([]string, 0, len(p.Inputs))
	for k := range p.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.AppendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = binary.AppendVarint(buf, n.steps(p.Inputs[k]))
	}

	return sha256.Sum256(buf)
}

// length-prefixed so ("ab","c") and ("a","bc") differ
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
