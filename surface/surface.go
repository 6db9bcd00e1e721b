// Package surface provides two toy advisory surfaces for exercising the cache.
//
// They mimic the shape of collision-avoidance advisories (a small set of
// discrete codes over a 2-D slice of a higher-dimensional input space) without
// implementing any real logic table. Each point is cheap but not free, so a
// full grid takes long enough for progressive snapshots to be visible.
package surface

import (
	"fmt"
	"math"

	"github.com/unkn0wn-root/surfcache"
)

const (
	// Horizontal is the lateral advisory surface.
	Horizontal = "A"
	// Vertical is the vertical-rate advisory surface.
	Vertical = "B"
)

const feetPerMeter = 3.28084

// Horizontal advisory codes.
const (
	CoC = iota
	WeakLeft
	WeakRight
	StrongLeft
	StrongRight
)

// Vertical advisory codes.
const (
	VClear = iota
	DoNotClimb
	DoNotDescend
	Descend1500
	Climb1500
	StrongDescend1500
	StrongClimb1500
	StrongDescend2500
	StrongClimb2500
)

// Surface describes one evaluation function and its inputs.
type Surface struct {
	Name     string
	Eval     surfcache.EvalFunc
	Outputs  []string           // code -> label
	Inputs   map[string]float64 // defaults of every input
	Defaults surfcache.Params   // a sensible initial slice
}

// surfaces is populated in init because the eval functions read it back,
// which a package-level initializer would reject as a cycle.
var surfaces map[string]Surface

func init() {
	surfaces = map[string]Surface{
		Horizontal: {
			Name:    Horizontal,
			Eval:    horizontal,
			Outputs: []string{"CoC", "WL", "WR", "SL", "SR"},
			Inputs:  map[string]float64{"tau": 15, "x": 0, "y": 0, "psi": 0.1, "pra": CoC},
			Defaults: surfcache.Params{
				Region:     surfcache.Region{XMin: 0, XMax: 56e3, YMin: -23e3, YMax: 23e3},
				Resolution: 500,
				Function:   Horizontal,
				Units:      "ft",
				XAxis:      "x",
				YAxis:      "y",
			},
		},
		Vertical: {
			Name:    Vertical,
			Eval:    vertical,
			Outputs: []string{"COC", "DNC", "DND", "DES1500", "CL1500", "SDES1500", "SCL1500", "SDES2500", "SCL2500"},
			Inputs:  map[string]float64{"tau": 15, "dh": 0, "vs_own": 0, "vs_int": 0.1, "pra": VClear},
			Defaults: surfcache.Params{
				Region:     surfcache.Region{XMin: 0, XMax: 40, YMin: -8e3, YMax: 8e3},
				Resolution: 0.5,
				Function:   Vertical,
				Units:      "ft",
				XAxis:      "tau",
				YAxis:      "dh",
			},
		},
	}
}

// Lookup returns the surface registered under name.
func Lookup(name string) (Surface, bool) {
	s, ok := surfaces[name]
	return s, ok
}

// Functions returns every surface keyed by name, ready for
// surfcache.Options.Functions.
func Functions() map[string]surfcache.EvalFunc {
	out := make(map[string]surfcache.EvalFunc, len(surfaces))
	for name, s := range surfaces {
		out[name] = s.Eval
	}
	return out
}

// resolve merges defaults, fixed inputs and the plotted point.
func resolve(defaults map[string]float64, x, y float64, p surfcache.Params) (map[string]float64, error) {
	in := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		in[k] = v
	}
	for k, v := range p.Inputs {
		if _, ok := defaults[k]; !ok {
			return nil, fmt.Errorf("unknown input %q", k)
		}
		in[k] = v
	}
	for _, axis := range []string{p.XAxis, p.YAxis} {
		if _, ok := defaults[axis]; !ok {
			return nil, fmt.Errorf("unknown axis %q", axis)
		}
	}
	in[p.XAxis] = x
	in[p.YAxis] = y
	return in, nil
}

// toFeet converts a length given in p's unit system.
func toFeet(v float64, p surfcache.Params) float64 {
	if p.Units == "si" {
		return v * feetPerMeter
	}
	return v
}

func horizontal(x, y float64, p surfcache.Params) (float64, error) {
	in, err := resolve(surfaces[Horizontal].Inputs, x, y, p)
	if err != nil {
		return 0, err
	}
	fwd := toFeet(in["x"], p)
	left := toFeet(in["y"], p) + 2000*math.Sin(in["psi"])
	tau := math.Max(in["tau"], 0)

	// range normalized by how far the pair closes before tau runs out
	threat := math.Hypot(fwd, left) / (1000 + 250*tau)
	prev := int(in["pra"])
	if threat > 4 && !(prev != CoC && threat < 5) {
		return CoC, nil
	}

	turnRight := left >= 0
	switch prev {
	case WeakLeft, StrongLeft:
		turnRight = false
	case WeakRight, StrongRight:
		turnRight = true
	}
	strong := threat < 1.5
	switch {
	case turnRight && strong:
		return StrongRight, nil
	case turnRight:
		return WeakRight, nil
	case strong:
		return StrongLeft, nil
	default:
		return WeakLeft, nil
	}
}

func vertical(x, y float64, p surfcache.Params) (float64, error) {
	in, err := resolve(surfaces[Vertical].Inputs, x, y, p)
	if err != nil {
		return 0, err
	}
	tau := math.Max(in["tau"], 0)
	dh := toFeet(in["dh"], p)
	closure := toFeet(in["vs_int"], p) - toFeet(in["vs_own"], p)

	// projected vertical separation at closest approach
	sep := dh + closure*tau
	if math.Abs(sep) > 800 || tau > 30 {
		return VClear, nil
	}

	above := sep > 0
	if int(in["pra"]) == DoNotClimb || int(in["pra"]) == Descend1500 {
		above = true
	}
	mag := math.Abs(sep)
	switch {
	case above && mag > 600:
		return DoNotClimb, nil
	case above && mag > 300:
		return Descend1500, nil
	case above && mag > 150:
		return StrongDescend1500, nil
	case above:
		return StrongDescend2500, nil
	case mag > 600:
		return DoNotDescend, nil
	case mag > 300:
		return Climb1500, nil
	case mag > 150:
		return StrongClimb1500, nil
	default:
		return StrongClimb2500, nil
	}
}
