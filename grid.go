package surfcache

import "math"

// Grid is the payload of a result blob: the evaluated values of one slice.
//
// Region and fingerprint are deliberately absent so that two parameter sets with
// identical output encode to identical bytes and share one stored blob.
type Grid struct {
	Width  int       `cbor:"w" msgpack:"w" json:"width"`
	Height int       `cbor:"h" msgpack:"h" json:"height"`
	Rows   int       `cbor:"r" msgpack:"r" json:"rows"` // completed rows, top first
	Step   float64   `cbor:"s" msgpack:"s" json:"step"`
	Units  string    `cbor:"u" msgpack:"u" json:"units"`
	Values []float64 `cbor:"v" msgpack:"v" json:"values"` // row-major, len == Rows*Width
}

// Completion is the fraction of rows present, in [0, 1].
func (g Grid) Completion() float64 {
	if g.Height == 0 {
		return 1
	}
	return float64(g.Rows) / float64(g.Height)
}

// At returns the value at column i of row j (row 0 is the top edge).
func (g Grid) At(i, j int) (float64, bool) {
	if i < 0 || i >= g.Width || j < 0 || j >= g.Rows {
		return 0, false
	}
	return g.Values[j*g.Width+i], true
}

// gridSpan counts the inclusive grid lines between lo and hi.
func gridSpan(lo, hi, step float64) float64 {
	const eps = 1e-9
	return math.Floor((hi-lo)/step+eps) + 1
}

// gridFits reports whether normalized params describe a grid of at most
// maxPoints points. The count is taken in float64 so huge regions cannot wrap.
func gridFits(p Params, maxPoints int) bool {
	w := gridSpan(p.Region.XMin, p.Region.XMax, p.Resolution)
	h := gridSpan(p.Region.YMin, p.Region.YMax, p.Resolution)
	if !(w >= 1 && h >= 1) {
		return false
	}
	return w*h <= float64(maxPoints)
}

// gridDims returns the number of columns and rows for normalized params.
// Both edges are inclusive. Params must have passed gridFits.
func gridDims(p Params) (w, h int) {
	w = int(gridSpan(p.Region.XMin, p.Region.XMax, p.Resolution))
	h = int(gridSpan(p.Region.YMin, p.Region.YMax, p.Resolution))
	return w, h
}

// point maps a grid cell back to axis coordinates.
func point(p Params, i, j int) (x, y float64) {
	return p.Region.XMin + float64(i)*p.Resolution, p.Region.YMax - float64(j)*p.Resolution
}
