package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const localShards = 16

type counter struct {
	gen     uint64
	touched time.Time
}

type localShard struct {
	mu       sync.Mutex
	counters map[string]counter
}

// LocalGenStore keeps generations in-process, spread over a fixed number of
// shards.
//
// With a sweep loop enabled, counters idle for longer than retention are
// dropped and restart from zero; retention must therefore exceed the lifetime
// of any handle that compares generations.
type LocalGenStore struct {
	shards [localShards]localShard
	now    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

// NewLocalGenStore returns an empty store. A positive sweepEvery together with
// a positive retention starts a background Cleanup loop; Close stops it.
func NewLocalGenStore(sweepEvery, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]counter)
	}
	if sweepEvery > 0 && retention > 0 {
		s.stop = make(chan struct{})
		s.wg.Add(1)
		go s.sweep(sweepEvery, retention)
	}
	return s
}

func (s *LocalGenStore) sweep(every, retention time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Cleanup(retention)
		case <-s.stop:
			return
		}
	}
}

func (s *LocalGenStore) shard(k string) *localShard {
	return &s.shards[xxhash.Sum64String(k)%localShards]
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	sh := s.shard(k)
	sh.mu.Lock()
	c := sh.counters[k]
	sh.mu.Unlock()
	return c.gen, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	now := s.now()
	sh := s.shard(k)
	sh.mu.Lock()
	c := sh.counters[k]
	c.gen++
	c.touched = now
	sh.counters[k] = c
	sh.mu.Unlock()
	return c.gen, nil
}

// Cleanup drops counters not bumped within retention.
func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.now().Add(-retention)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, c := range sh.counters {
			if c.touched.Before(cutoff) {
				delete(sh.counters, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len is the number of live counters.
func (s *LocalGenStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}

func (s *LocalGenStore) Close(context.Context) error {
	s.once.Do(func() {
		if s.stop != nil {
			close(s.stop)
			s.wg.Wait()
		}
	})
	return nil
}
