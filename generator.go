package surfcache

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/unkn0wn-root/surfcache/codec"
	"github.com/unkn0wn-root/surfcache/genstore"
)

// EvalFunc computes the value at one point of the plotted slice. It must be
// pure: the same (x, y, p) always yields the same value.
type EvalFunc func(x, y float64, p Params) (float64, error)

type generator struct {
	store    *Store
	reg      *Registry
	gens     genstore.GenStore
	codec    codec.Codec[Grid]
	tileRows int
	log      Logger
	hooks    Hooks
}

// run drives t from Pending to a terminal state.
func (g *generator) run(t *Task) {
	if !t.start() {
		g.reg.Cancelled(t)
		return
	}
	fp := t.fp.String()
	started := time.Now()
	g.hooks.TaskStarted(fp, t.gen)

	status := g.generate(t)

	elapsed := time.Since(started)
	g.hooks.TaskFinished(fp, t.gen, status.String(), elapsed)
	g.log.Debug("task finished", Fields{
		"fingerprint": fp,
		"generation":  t.gen,
		"status":      status.String(),
		"elapsed":     elapsed,
	})
}

func (g *generator) generate(t *Task) TaskStatus {
	w, h := t.width, t.height
	buf := make([]float64, w*h)

	for row := 0; row < h; row += g.tileRows {
		if t.ctx.Err() != nil {
			g.reg.Cancelled(t)
			return TaskCancelled
		}
		end := min(row+g.tileRows, h)
		for j := row; j < end; j++ {
			for i := 0; i < w; i++ {
				x, y := point(t.params, i, j)
				v, err := t.fn(x, y, t.params)
				if err != nil {
					g.reg.Fail(t, &EvalError{Function: t.params.Function, X: x, Y: y, Err: err})
					return t.Status()
				}
				buf[j*w+i] = v
			}
		}
		t.completed.Store(int64(end))
		g.publish(t, buf, end)
		runtime.Gosched()
	}

	if t.ctx.Err() != nil {
		g.reg.Cancelled(t)
		return TaskCancelled
	}
	blob, err := g.codec.Encode(Grid{
		Width:  w,
		Height: h,
		Rows:   h,
		Step:   t.params.Resolution,
		Units:  t.params.Units,
		Values: buf,
	})
	if err != nil {
		g.reg.Fail(t, err)
		return t.Status()
	}
	hash, err := g.store.Put(t.ctx, blob)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			g.reg.Cancelled(t)
			return TaskCancelled
		}
		g.reg.Fail(t, err)
		return t.Status()
	}
	if !g.reg.Complete(context.WithoutCancel(t.ctx), t.fp, t.gen, hash) {
		g.store.Abandon(context.WithoutCancel(t.ctx), hash)
		g.reg.Cancelled(t)
		return TaskCancelled
	}
	return TaskDone
}

// publish exposes the first rows of buf. The prefix is never written again, so
// readers may hold it without copying.
func (g *generator) publish(t *Task, buf []float64, rows int) {
	gen, err := g.gens.Bump(t.ctx, snapGenKey(t.fp))
	if err != nil {
		g.log.Warn("snapshot generation unavailable", Fields{"fingerprint": t.fp.String(), "err": err})
		return
	}
	n := rows * t.width
	t.pub.Publish(&Snapshot{
		Fingerprint:    t.fp,
		TaskGeneration: t.gen,
		Generation:     gen,
		Width:          t.width,
		Height:         t.height,
		Rows:           rows,
		Step:           t.params.Resolution,
		Units:          t.params.Units,
		Values:         buf[:n:n],
		Progress:       t.Progress(),
		Final:          rows == t.height,
	})
}
