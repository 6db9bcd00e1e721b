package surfcache

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	c "github.com/unkn0wn-root/surfcache/codec"
	gen "github.com/unkn0wn-root/surfcache/genstore"
)

const (
	defaultGenRetention  = 30 * 24 * time.Hour
	defaultSweep         = time.Hour
	defaultFlush         = 30 * time.Second
	defaultTierTTL       = 10 * time.Minute
	defaultCapacity      = 256 << 20
	defaultTileRows      = 8
	defaultMaxGridPoints = 16 << 20
)

type cache struct {
	functions     map[string]EvalFunc
	norm          Normalization
	codec         c.Codec[Grid]
	maxGridPoints int
	log           Logger
	hooks         Hooks

	store *Store
	reg   *Registry
	gen   *generator
	gens  gen.GenStore
	pool  *pool

	root   context.Context
	cancel context.CancelFunc

	closeMu sync.RWMutex
	closed  bool

	// background index flush
	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newCache(opts Options) (*cache, error) {
	if len(opts.Functions) == 0 {
		return nil, fmt.Errorf("surfcache: at least one evaluation function is required")
	}

	cc := &cache{
		functions: make(map[string]EvalFunc, len(opts.Functions)),
		norm:      opts.Normalization,
	}
	for name, fn := range opts.Functions {
		if fn == nil {
			return nil, fmt.Errorf("surfcache: evaluation function %q is nil", name)
		}
		cc.functions[name] = fn
	}

	cc.log = coalesce[Logger](opts.Logger, NopLogger{})
	cc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	cc.maxGridPoints = coalesce(opts.MaxGridPoints, defaultMaxGridPoints)
	tileRows := coalesce(opts.TileRows, defaultTileRows)
	workers := coalesce(opts.Workers, runtime.GOMAXPROCS(0))
	if tileRows < 0 || workers < 0 {
		return nil, fmt.Errorf("surfcache: tile rows and workers must be positive")
	}
	sweep := coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
	retention := coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
	flush := coalesce[time.Duration](opts.FlushInterval, defaultFlush)

	if opts.Codec != nil {
		cc.codec = opts.Codec
	} else {
		cbor, err := c.NewCBOR[Grid](true)
		if err != nil {
			return nil, fmt.Errorf("surfcache: default codec: %w", err)
		}
		cc.codec = cbor
	}
	if opts.MaxBlobBytes > 0 {
		cc.codec = c.LimitCodec[Grid]{Inner: cc.codec, MaxDecode: opts.MaxBlobBytes}
	}

	if opts.GenStore != nil {
		cc.gens = opts.GenStore
	} else {
		// default to in-process generations with periodic cleanup
		cc.gens = gen.NewLocalGenStore(sweep, retention)
	}

	var backend Backend = newMemBackend()
	if opts.Backend != nil {
		backend = opts.Backend
	}
	cc.store = newStore(storeConfig{
		backend:  backend,
		tier:     opts.Tier,
		tierTTL:  coalesce[time.Duration](opts.TierTTL, defaultTierTTL),
		capacity: coalesce[int64](opts.Capacity, defaultCapacity),
		log:      cc.log,
		hooks:    cc.hooks,
	})

	cc.root, cc.cancel = context.WithCancel(context.Background())
	cc.store.load(cc.root)
	cc.reg = newRegistry(cc.root, cc.gens, cc.store, cc.log, cc.hooks)
	cc.pool = newPool(workers)
	cc.gen = &generator{
		store:    cc.store,
		reg:      cc.reg,
		gens:     cc.gens,
		codec:    cc.codec,
		tileRows: tileRows,
		log:      cc.log,
		hooks:    cc.hooks,
	}

	if flush > 0 {
		cc.ticker = time.NewTicker(flush)
		cc.stopCh = make(chan struct{})
		cc.closeWg.Add(1)
		go cc.flushLoop()
	}
	return cc, nil
}

func (cc *cache) Request(ctx context.Context, p Params) (*Handle, error) {
	cc.closeMu.RLock()
	defer cc.closeMu.RUnlock()
	if cc.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fn, ok := cc.functions[p.Function]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, p.Function)
	}
	if err := cc.norm.Validate(p); err != nil {
		return nil, err
	}
	np := cc.norm.Normalize(p)
	if !gridFits(np, cc.maxGridPoints) {
		return nil, fmt.Errorf("%w: grid exceeds %d points", ErrInvalidParams, cc.maxGridPoints)
	}
	fp := cc.norm.Fingerprint(np)

	if h, ok := cc.fromStore(ctx, fp); ok {
		cc.hooks.CacheHit(fp.String())
		return h, nil
	}

	t, owner, err := cc.reg.AcquireOrAttach(ctx, fp, np, fn)
	if err != nil {
		return nil, err
	}
	cc.hooks.CacheMiss(fp.String(), !owner)
	if owner {
		cc.log.Debug("task created", Fields{"fingerprint": fp.String(), "generation": t.gen, "rows": t.height})
		cc.pool.submit(t.ctx, func() { cc.gen.run(t) }, func() { cc.reg.Cancelled(t) })
	}
	return &Handle{id: uuid.New(), fp: fp, gen: t.gen, task: t}, nil
}

// fromStore serves fp from the content store, pinning its blob for the
// lifetime of the handle.
func (cc *cache) fromStore(ctx context.Context, fp Fingerprint) (*Handle, bool) {
	hash, ok := cc.store.Lookup(fp)
	if !ok || !cc.store.Acquire(fp) {
		return nil, false
	}
	raw, ok := cc.store.Get(ctx, hash)
	if !ok {
		cc.store.Release(fp)
		return nil, false
	}
	g, err := cc.codec.Decode(raw)
	if err != nil || g.Width*g.Rows != len(g.Values) {
		cc.store.Release(fp)
		cc.store.selfHeal(ctx, hash, "decode")
		return nil, false
	}

	taskGen, _ := cc.gens.Snapshot(ctx, taskGenKey(fp))
	snapGen, err := cc.gens.Bump(ctx, snapGenKey(fp))
	if err != nil {
		cc.store.Release(fp)
		return nil, false
	}
	return &Handle{
		id:     uuid.New(),
		fp:     fp,
		gen:    taskGen,
		pinned: true,
		final: &Snapshot{
			Fingerprint:    fp,
			TaskGeneration: taskGen,
			Generation:     snapGen,
			Width:          g.Width,
			Height:         g.Height,
			Rows:           g.Rows,
			Step:           g.Step,
			Units:          g.Units,
			Values:         g.Values,
			Progress:       1,
			Final:          true,
		},
	}, true
}

func (cc *cache) Poll(h *Handle) Status {
	if h == nil {
		return Status{Done: true, Err: ErrHandleReleased}
	}
	if h.released.Load() {
		return Status{State: TaskCancelled, Done: true, Err: ErrHandleReleased}
	}
	if h.task == nil {
		return Status{State: TaskDone, Progress: 1, Snapshot: h.final, Done: true}
	}

	t := h.task
	st := Status{
		State:    t.Status(),
		Progress: t.Progress(),
		Snapshot: t.Snapshot(),
	}
	select {
	case <-t.Done():
		st.Done = true
		st.Err = t.err
	default:
	}
	return st
}

func (cc *cache) Cancel(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.pinned {
		cc.store.Release(h.fp)
	}
	if h.task != nil {
		remaining := cc.reg.Detach(h.task)
		cc.log.Debug("handle released", Fields{"fingerprint": h.fp.String(), "handle": h.id.String(), "remaining": remaining})
	}
}

func (cc *cache) Wait(ctx context.Context, h *Handle) (Status, error) {
	if h != nil && h.task != nil && !h.released.Load() {
		select {
		case <-h.task.Done():
		case <-ctx.Done():
			return cc.Poll(h), ctx.Err()
		}
	}
	st := cc.Poll(h)
	return st, st.Err
}

func (cc *cache) Stats() Stats {
	return Stats{Store: cc.store.Stats(), Tasks: cc.reg.Stats()}
}

// Close cancels running tasks, waits for workers to drain, then persists the
// index and releases the backend and generation store.
func (cc *cache) Close(ctx context.Context) error {
	cc.closeOnce.Do(func() {
		cc.closeMu.Lock()
		cc.closed = true
		cc.closeMu.Unlock()

		cc.reg.cancelAll()
		cc.cancel()
		var errs []error
		if err := cc.pool.wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("surfcache: drain workers: %w", err))
		}
		if cc.stopCh != nil {
			close(cc.stopCh)
			cc.closeWg.Wait()
			cc.ticker.Stop()
		}
		if err := cc.store.close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := cc.gens.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cc.closeErr = errors.Join(errs...)
	})
	return cc.closeErr
}

func (cc *cache) flushLoop() {
	defer cc.closeWg.Done()
	for {
		select {
		case <-cc.ticker.C:
			if err := cc.store.Flush(cc.root); err != nil {
				cc.log.Warn("index flush failed", Fields{"err": err})
			}
		case <-cc.stopCh:
			return
		}
	}
}
