// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    HitEvery: 100, // sample logs: ~every 100th hit
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := surfcache.New(surfcache.Options{
//	    Functions: surface.Functions(),
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/surfcache"
)

// Hooks forwards events to inner on background workers. Events that do not fit
// the queue are dropped and counted.
type Hooks struct {
	inner   surfcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ surfcache.Hooks = (*Hooks)(nil)

func New(inner surfcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events. Events arriving afterwards are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped returns the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// send on a queue closed between the check and the send
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheHit(fp string)                { h.try(func() { h.inner.CacheHit(fp) }) }
func (h *Hooks) CacheMiss(fp string, att bool)     { h.try(func() { h.inner.CacheMiss(fp, att) }) }
func (h *Hooks) TaskStarted(fp string, gen uint64) { h.try(func() { h.inner.TaskStarted(fp, gen) }) }
func (h *Hooks) StaleCompletion(fp string, gen uint64) {
	h.try(func() { h.inner.StaleCompletion(fp, gen) })
}
func (h *Hooks) TaskFinished(fp string, gen uint64, status string, d time.Duration) {
	h.try(func() { h.inner.TaskFinished(fp, gen, status, d) })
}
func (h *Hooks) SelfHeal(hash, reason string)      { h.try(func() { h.inner.SelfHeal(hash, reason) }) }
func (h *Hooks) Evicted(hash string, size int64)   { h.try(func() { h.inner.Evicted(hash, size) }) }
func (h *Hooks) PersistError(op string, err error) { h.try(func() { h.inner.PersistError(op, err) }) }
