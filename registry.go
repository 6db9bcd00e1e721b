package surfcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/unkn0wn-root/surfcache/genstore"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus uint32

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCancelled
	TaskDone
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCancelled:
		return "cancelled"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCancelled || s == TaskDone || s == TaskFailed
}

// Task is one in-flight (or just finished) computation of a fingerprint.
type Task struct {
	fp     Fingerprint
	gen    uint64
	params Params
	fn     EvalFunc
	width  int
	height int

	status    atomic.Uint32
	completed atomic.Int64 // rows

	ctx    context.Context
	cancel context.CancelFunc

	pub Publisher

	done     chan struct{}
	doneOnce sync.Once
	err      error       // set before done is closed
	hash     ContentHash // set before done is closed, TaskDone only

	interest int // guarded by the owning shard's mutex
}

func (t *Task) Fingerprint() Fingerprint { return t.fp }
func (t *Task) Generation() uint64       { return t.gen }
func (t *Task) Status() TaskStatus       { return TaskStatus(t.status.Load()) }

// Progress is the fraction of rows finished, in [0, 1]. It never decreases.
func (t *Task) Progress() float64 {
	if t.height == 0 {
		return 1
	}
	return float64(t.completed.Load()) / float64(t.height)
}

// Snapshot returns the newest published snapshot, or nil before the first tile.
func (t *Task) Snapshot() *Snapshot { return t.pub.Current() }

// Done is closed once the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the terminal error; only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) transition(from, to TaskStatus) bool {
	return t.status.CompareAndSwap(uint32(from), uint32(to))
}

func (t *Task) start() bool { return t.transition(TaskPending, TaskRunning) }

// requestCancel flips a live task to Cancelled and fires its token.
func (t *Task) requestCancel() bool {
	for {
		cur := t.Status()
		if cur.Terminal() {
			return false
		}
		if t.transition(cur, TaskCancelled) {
			t.cancel()
			return true
		}
	}
}

func (t *Task) settle(err error) {
	t.doneOnce.Do(func() {
		t.err = err
		t.cancel()
		close(t.done)
	})
}

const registryShards = 32

type registryShard struct {
	mu    sync.Mutex
	tasks map[Fingerprint]*Task
}

// Registry guarantees at most one live task per fingerprint and owns task
// lifecycle transitions.
type Registry struct {
	shards [registryShards]registryShard
	base   context.Context
	gens   genstore.GenStore
	store  *Store
	log    Logger
	hooks  Hooks
}

func newRegistry(base context.Context, gens genstore.GenStore, store *Store, log Logger, hooks Hooks) *Registry {
	r := &Registry{
		base:  base,
		gens:  gens,
		store: store,
		log:   coalesce[Logger](log, NopLogger{}),
		hooks: coalesce[Hooks](hooks, NopHooks{}),
	}
	for i := range r.shards {
		r.shards[i].tasks = make(map[Fingerprint]*Task)
	}
	return r
}

func (r *Registry) shard(fp Fingerprint) *registryShard {
	return &r.shards[xxhash.Sum64(fp[:])%registryShards]
}

func taskGenKey(fp Fingerprint) string { return "task:" + fp.String() }
func snapGenKey(fp Fingerprint) string { return "snap:" + fp.String() }

// AcquireOrAttach returns the live task for fp, registering interest in it, or
// creates a new Pending task with a fresh generation. owner is true for the
// caller that created the task and must schedule it.
//
// Cancelled and failed tasks are never attached to; they are superseded.
func (r *Registry) AcquireOrAttach(ctx context.Context, fp Fingerprint, p Params, fn EvalFunc) (t *Task, owner bool, err error) {
	sh := r.shard(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur := sh.tasks[fp]; cur != nil {
		switch cur.Status() {
		case TaskPending, TaskRunning, TaskDone:
			cur.interest++
			return cur, false, nil
		}
	}

	gen, err := r.gens.Bump(ctx, taskGenKey(fp))
	if err != nil {
		return nil, false, fmt.Errorf("surfcache: task generation: %w", err)
	}
	w, h := gridDims(p)
	tctx, cancel := context.WithCancel(r.base)
	t = &Task{
		fp:       fp,
		gen:      gen,
		params:   p,
		fn:       fn,
		width:    w,
		height:   h,
		ctx:      tctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		interest: 1,
	}
	sh.tasks[fp] = t
	return t, true, nil
}

// Lookup returns the task currently registered for fp, if any.
func (r *Registry) Lookup(fp Fingerprint) (*Task, bool) {
	sh := r.shard(fp)
	sh.mu.Lock()
	t, ok := sh.tasks[fp]
	sh.mu.Unlock()
	return t, ok
}

// Cancel stops the live task for fp regardless of attached interest.
func (r *Registry) Cancel(fp Fingerprint) bool {
	t, ok := r.Lookup(fp)
	if !ok {
		return false
	}
	return t.requestCancel()
}

// Detach drops one unit of interest in t and returns what is left. The last
// consumer to leave cancels a task that is still running.
func (r *Registry) Detach(t *Task) int {
	sh := r.shard(t.fp)
	sh.mu.Lock()
	if t.interest > 0 {
		t.interest--
	}
	remaining := t.interest
	if remaining == 0 {
		if t.Status().Terminal() {
			if sh.tasks[t.fp] == t {
				delete(sh.tasks, t.fp)
			}
		} else {
			t.requestCancel()
		}
	}
	sh.mu.Unlock()
	return remaining
}

// Complete commits the result of (fp, gen). It succeeds only while that
// generation is the registered one and still running; anything else is a stale
// completion and leaves the index untouched.
func (r *Registry) Complete(ctx context.Context, fp Fingerprint, gen uint64, hash ContentHash) bool {
	sh := r.shard(fp)
	sh.mu.Lock()
	t := sh.tasks[fp]
	if t == nil || t.gen != gen || !t.transition(TaskRunning, TaskDone) {
		sh.mu.Unlock()
		r.hooks.StaleCompletion(fp.String(), gen)
		r.log.Debug("discarded stale completion", Fields{"fingerprint": fp.String(), "generation": gen})
		return false
	}
	if !r.store.Bind(ctx, fp, hash) {
		r.log.Warn("result evicted before it was indexed", Fields{"fingerprint": fp.String(), "hash": hash.String()})
	}
	t.hash = hash
	if t.interest <= 0 {
		delete(sh.tasks, fp)
	}
	sh.mu.Unlock()

	t.settle(nil)
	return true
}

// Fail settles t as failed. A task that was cancelled meanwhile stays cancelled.
func (r *Registry) Fail(t *Task, err error) {
	if !t.transition(TaskRunning, TaskFailed) && !t.transition(TaskPending, TaskFailed) {
		r.Cancelled(t)
		return
	}
	t.settle(err)
	r.removeIfIdle(t)
}

// Cancelled settles t as cancelled.
func (r *Registry) Cancelled(t *Task) {
	t.requestCancel()
	t.settle(ErrCancelled)
	r.removeIfIdle(t)
}

func (r *Registry) removeIfIdle(t *Task) {
	sh := r.shard(t.fp)
	sh.mu.Lock()
	if t.interest <= 0 && sh.tasks[t.fp] == t {
		delete(sh.tasks, t.fp)
	}
	sh.mu.Unlock()
}

// cancelAll fires every live task's token. Used on Close.
func (r *Registry) cancelAll() {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, t := range sh.tasks {
			t.requestCancel()
		}
		sh.mu.Unlock()
	}
}

// TaskStats counts registered tasks by status.
type TaskStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Cancelled int `json:"cancelled"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
}

func (r *Registry) Stats() TaskStats {
	var st TaskStats
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, t := range sh.tasks {
			switch t.Status() {
			case TaskPending:
				st.Pending++
			case TaskRunning:
				st.Running++
			case TaskCancelled:
				st.Cancelled++
			case TaskDone:
				st.Done++
			case TaskFailed:
				st.Failed++
			}
		}
		sh.mu.Unlock()
	}
	return st
}
