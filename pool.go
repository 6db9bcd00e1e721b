package surfcache

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool runs submitted work on at most workers goroutines. Queued work holds no
// goroutine; work whose context ends while queued is skipped right away and
// never starts.
type pool struct {
	sem *semaphore.Weighted // one unit per draining goroutine
	wg  sync.WaitGroup

	mu    sync.Mutex
	queue *list.List // of *job, FIFO
}

type job struct {
	ctx      context.Context
	fn, skip func()
	stop     func() bool
	elem     *list.Element // nil once dequeued or dropped
}

func newPool(workers int) *pool {
	return &pool{sem: semaphore.NewWeighted(int64(workers)), queue: list.New()}
}

// submit queues fn. skip runs instead if ctx ends before fn starts.
func (p *pool) submit(ctx context.Context, fn, skip func()) {
	p.wg.Add(1)
	j := &job{ctx: ctx, fn: fn, skip: skip}

	p.mu.Lock()
	j.elem = p.queue.PushBack(j)
	j.stop = context.AfterFunc(ctx, func() { p.drop(j) })
	spawn := p.sem.TryAcquire(1)
	p.mu.Unlock()

	if spawn {
		go p.drain()
	}
}

// drop removes a still-queued job whose context ended.
func (p *pool) drop(j *job) {
	p.mu.Lock()
	if j.elem == nil {
		p.mu.Unlock()
		return
	}
	p.queue.Remove(j.elem)
	j.elem = nil
	p.mu.Unlock()

	j.skip()
	p.wg.Done()
}

// drain runs queued jobs until the queue is empty, then gives its slot back.
// The slot is released under mu so a concurrent submit either sees it free or
// its job is picked up here.
func (p *pool) drain() {
	for {
		p.mu.Lock()
		front := p.queue.Front()
		if front == nil {
			p.sem.Release(1)
			p.mu.Unlock()
			return
		}
		j := p.queue.Remove(front).(*job)
		j.elem = nil
		p.mu.Unlock()

		j.stop()
		if j.ctx.Err() != nil {
			j.skip()
		} else {
			j.fn()
		}
		p.wg.Done()
	}
}

// wait blocks until every submitted job ran or was skipped, or ctx ends.
func (p *pool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
