package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/surfcache"
	"github.com/unkn0wn-root/surfcache/surface"
)

// asciiCodes renders advisory codes, one character per cell.
const asciiCodes = ".lrLR<>{}"

type renderOptions struct {
	fn       string
	region   []float64
	res      float64
	units    string
	xAxis    string
	yAxis    string
	inputs   map[string]string
	timeout  time.Duration
	interval time.Duration
	ascii    bool
}

func (c *CLI) newRenderCmd() *cobra.Command {
	o := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Compute one slice, reporting progress, and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := o.params()
			if err != nil {
				return err
			}
			return c.render(cmd, p, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.fn, "fn", surface.Horizontal, "Evaluation function")
	f.Float64SliceVar(&o.region, "region", nil, "xmin,xmax,ymin,ymax (default: the function's initial slice)")
	f.Float64Var(&o.res, "res", 0, "Grid step (default: the function's initial step)")
	f.StringVar(&o.units, "units", "", "Unit system: ft or si")
	f.StringVar(&o.xAxis, "x-axis", "", "Input plotted on the x axis")
	f.StringVar(&o.yAxis, "y-axis", "", "Input plotted on the y axis")
	f.StringToStringVar(&o.inputs, "input", nil, "Fixed input values, e.g. --input tau=20,psi=0.5")
	f.DurationVar(&o.timeout, "timeout", time.Minute, "Give up waiting after this long")
	f.DurationVar(&o.interval, "interval", 100*time.Millisecond, "Progress poll interval")
	f.BoolVar(&o.ascii, "ascii", false, "Print the grid as characters")

	return cmd
}

// params starts from the function's default slice and applies the flags.
func (o *renderOptions) params() (surfcache.Params, error) {
	s, ok := surface.Lookup(o.fn)
	if !ok {
		return surfcache.Params{}, fmt.Errorf("%w: %q", surfcache.ErrUnknownFunction, o.fn)
	}
	p := s.Defaults
	if len(o.region) > 0 {
		if len(o.region) != 4 {
			return p, fmt.Errorf("--region needs 4 values, got %d", len(o.region))
		}
		p.Region = surfcache.Region{XMin: o.region[0], XMax: o.region[1], YMin: o.region[2], YMax: o.region[3]}
	}
	if o.res != 0 {
		p.Resolution = o.res
	}
	if o.units != "" {
		p.Units = o.units
	}
	if o.xAxis != "" {
		p.XAxis = o.xAxis
	}
	if o.yAxis != "" {
		p.YAxis = o.yAxis
	}
	if len(o.inputs) > 0 {
		p.Inputs = make(map[string]float64, len(o.inputs))
		for k, raw := range o.inputs {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return p, fmt.Errorf("--input %s: %w", k, err)
			}
			p.Inputs[k] = v
		}
	}
	return p, nil
}

func (c *CLI) render(cmd *cobra.Command, p surfcache.Params, o *renderOptions) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	m, reader := meter(cfg.Hooks.Metrics)
	comp, err := cfg.build(stderrOf(cmd), m)
	if err != nil {
		return err
	}
	defer comp.close()

	cache, err := surfcache.New(comp.opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	started := time.Now()
	h, err := cache.Request(ctx, p)
	if err != nil {
		return errors.Join(err, cache.Close(context.WithoutCancel(ctx)))
	}
	st, err := follow(ctx, cache, h, o.interval, cmd.ErrOrStderr())
	cache.Cancel(h)
	closeErr := cache.Close(context.WithoutCancel(ctx))
	// drain async hooks before metrics are collected
	comp.close()
	if err != nil {
		return errors.Join(err, closeErr)
	}

	out := cmd.OutOrStdout()
	summarize(out, p, h, st.Snapshot, time.Since(started))
	if o.ascii && st.Snapshot != nil {
		printGrid(out, st.Snapshot)
	}
	if err := printMetrics(cmd.Context(), out, reader); err != nil {
		return errors.Join(err, closeErr)
	}
	return closeErr
}

// follow polls h until it settles, reporting progress on w.
func follow(ctx context.Context, cache surfcache.Cache, h *surfcache.Handle, every time.Duration, w io.Writer) (surfcache.Status, error) {
	if every <= 0 {
		return cache.Wait(ctx, h)
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	last := -1.0
	for {
		st := cache.Poll(h)
		if st.Progress > last && !st.Done {
			_, _ = fmt.Fprintf(w, "\r%5.1f%%", st.Progress*100)
			last = st.Progress
		}
		if st.Done {
			if last >= 0 {
				_, _ = fmt.Fprintln(w, "\r100.0%")
			}
			return st, st.Err
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func summarize(w io.Writer, p surfcache.Params, h *surfcache.Handle, s *surfcache.Snapshot, elapsed time.Duration) {
	source := "computed"
	if h.Cached() {
		source = "cached"
	}
	_, _ = fmt.Fprintf(w, "fingerprint: %s\n", h.Fingerprint())
	_, _ = fmt.Fprintf(w, "source:      %s in %s\n", source, elapsed.Round(time.Millisecond))
	if s == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "grid:        %dx%d step %g %s\n", s.Width, s.Height, s.Step, s.Units)

	var labels []string
	if sf, ok := surface.Lookup(p.Function); ok {
		labels = sf.Outputs
	}
	counts := make(map[int]int)
	for _, v := range s.Values {
		counts[int(v)]++
	}
	codes := make([]int, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		label := strconv.Itoa(code)
		if code >= 0 && code < len(labels) {
			label = labels[code]
		}
		_, _ = fmt.Fprintf(w, "  %-9s %d\n", label, counts[code])
	}
}

func printGrid(w io.Writer, s *surfcache.Snapshot) {
	var b strings.Builder
	for j := 0; j < s.Rows; j++ {
		b.Reset()
		for i := 0; i < s.Width; i++ {
			code := int(s.Values[j*s.Width+i])
			if code >= 0 && code < len(asciiCodes) {
				b.WriteByte(asciiCodes[code])
			} else {
				b.WriteByte('?')
			}
		}
		_, _ = fmt.Fprintln(w, b.String())
	}
}
