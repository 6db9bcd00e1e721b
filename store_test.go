package surfcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeClock ticks one second per call so every access is ordered.
func fakeClock() func() time.Time {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newTestStore(capacity int64, hooks Hooks) (*Store, *memBackend) {
	b := newMemBackend()
	s := newStore(storeConfig{backend: b, capacity: capacity, hooks: hooks})
	s.now = fakeClock()
	return s, b
}

func fpFor(s string) Fingerprint {
	return Normalization{}.Fingerprint(Params{Function: s})
}

func mustPut(t *testing.T, s *Store, blob string) ContentHash {
	t.Helper()
	h, err := s.Put(context.Background(), []byte(blob))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return h
}

func TestStorePutGetBind(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(0, nil)

	h := mustPut(t, s, "hello")
	if h2 := mustPut(t, s, "hello"); h2 != h {
		t.Fatalf("same bytes must give the same hash")
	}
	if st := s.Stats(); st.Blobs != 1 || st.Bytes != 5 {
		t.Fatalf("duplicate put must not double count: %+v", st)
	}

	fp := fpFor("a")
	if _, ok := s.Lookup(fp); ok {
		t.Fatalf("unbound fingerprint should miss")
	}
	if !s.Bind(ctx, fp, h) {
		t.Fatalf("Bind to a stored blob should succeed")
	}
	if got, ok := s.Lookup(fp); !ok || got != h {
		t.Fatalf("Lookup after Bind: ok=%v hash=%v", ok, got)
	}
	raw, ok := s.Get(ctx, h)
	if !ok || string(raw) != "hello" {
		t.Fatalf("Get: ok=%v raw=%q", ok, raw)
	}
	if b.refs[fp.String()] != h.String() {
		t.Fatalf("Bind should write a ref to the backend")
	}
	if s.Bind(ctx, fpFor("b"), hashBlob([]byte("never stored"))) {
		t.Fatalf("Bind to an unknown blob must fail")
	}
}

func TestStoreRebindMovesEntry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(0, nil)
	fp := fpFor("a")

	h1 := mustPut(t, s, "one")
	h2 := mustPut(t, s, "two")
	s.Bind(ctx, fp, h1)
	s.Bind(ctx, fp, h2)

	if got, _ := s.Lookup(fp); got != h2 {
		t.Fatalf("rebind should point at the new blob")
	}
	if n := len(s.blobs[h1].fps); n != 0 {
		t.Fatalf("old blob should lose the binding, has %d", n)
	}
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	hooks := newRecordingHooks()
	s, b := newTestStore(12, hooks)

	a, bb := fpFor("a"), fpFor("b")
	ha := mustPut(t, s, "aaaaa")
	s.Bind(ctx, a, ha)
	hb := mustPut(t, s, "bbbbb")
	s.Bind(ctx, bb, hb)

	// touch a so b becomes the oldest
	s.Lookup(a)
	hc := mustPut(t, s, "ccccc")

	if _, ok := s.Lookup(bb); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
	if _, ok := s.Lookup(a); !ok {
		t.Fatalf("recently used entry should survive")
	}
	if _, ok := s.blobs[hc]; !ok {
		t.Fatalf("fresh blob should survive")
	}
	if st := s.Stats(); st.Bytes != 10 {
		t.Fatalf("expected 10 bytes after eviction, got %d", st.Bytes)
	}
	if _, ok := b.objects[hb.String()]; ok {
		t.Fatalf("evicted object should be deleted from the backend")
	}
	if _, ok := b.refs[bb.String()]; ok {
		t.Fatalf("evicted ref should be deleted from the backend")
	}
	if hooks.evicted != 1 {
		t.Fatalf("expected 1 eviction event, got %d", hooks.evicted)
	}
}

func TestStoreNeverEvictsPinned(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(8, nil)

	a := fpFor("a")
	ha := mustPut(t, s, "aaaaa")
	s.Bind(ctx, a, ha)
	if !s.Acquire(a) {
		t.Fatalf("Acquire of a bound entry should succeed")
	}

	// a is older but pinned, so the new blob goes instead
	hb := mustPut(t, s, "bbbbb")
	if _, ok := s.Lookup(a); !ok {
		t.Fatalf("pinned entry must survive eviction")
	}
	if _, ok := s.blobs[hb]; ok {
		t.Fatalf("unpinned blob should have been evicted")
	}

	s.Release(a)
	s.Release(a) // extra release is a no-op
	if st := s.Stats(); st.Pinned != 0 {
		t.Fatalf("expected no pins, got %d", st.Pinned)
	}
	hc := mustPut(t, s, "ccccc")
	if _, ok := s.Lookup(a); ok {
		t.Fatalf("released entry should be evictable again")
	}
	if _, ok := s.blobs[hc]; !ok {
		t.Fatalf("fresh blob should survive")
	}
}

func TestStoreStaysOverCapacityWhilePinned(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(4, nil)

	a := fpFor("a")
	ha := mustPut(t, s, "aaaaa") // alone over capacity: evicted at once
	if s.Bind(ctx, a, ha) {
		t.Fatalf("blob over capacity should be gone before Bind")
	}

	s.capacity = 0
	ha = mustPut(t, s, "aaaaa")
	s.Bind(ctx, a, ha)
	s.Acquire(a)
	s.capacity = 4
	s.EvictIfNeeded(ctx)
	if st := s.Stats(); st.Bytes != 5 || st.Entries != 1 {
		t.Fatalf("pinned blob must stay even above capacity: %+v", st)
	}
}

// faultyBackend fails reads with a configured error.
type faultyBackend struct {
	*memBackend
	readErr error
}

func (b *faultyBackend) ReadObject(ctx context.Context, hash string) ([]byte, bool, error) {
	if b.readErr != nil {
		return nil, false, b.readErr
	}
	return b.memBackend.ReadObject(ctx, hash)
}

func TestStoreGetFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("hash mismatch self-heals", func(t *testing.T) {
		hooks := newRecordingHooks()
		s, b := newTestStore(0, hooks)
		fp := fpFor("a")
		h := mustPut(t, s, "good")
		s.Bind(ctx, fp, h)
		b.objects[h.String()] = []byte("evil")

		if _, ok := s.Get(ctx, h); ok {
			t.Fatalf("mismatched bytes must be a miss")
		}
		if _, ok := s.Lookup(fp); ok {
			t.Fatalf("self-heal should drop the binding")
		}
		if _, ok := b.objects[h.String()]; ok {
			t.Fatalf("self-heal should delete the object")
		}
		if hooks.selfHeals["corrupt"] != 1 {
			t.Fatalf("expected one corrupt self-heal")
		}
	})

	t.Run("backend reports corruption", func(t *testing.T) {
		hooks := newRecordingHooks()
		fb := &faultyBackend{memBackend: newMemBackend()}
		s := newStore(storeConfig{backend: fb, hooks: hooks})
		fp := fpFor("a")
		h := mustPut(t, s, "good")
		s.Bind(ctx, fp, h)

		fb.readErr = fmt.Errorf("checksum: %w", ErrCorrupt)
		if _, ok := s.Get(ctx, h); ok {
			t.Fatalf("corrupt object must be a miss")
		}
		if _, ok := s.Lookup(fp); ok || hooks.selfHeals["corrupt"] != 1 {
			t.Fatalf("corrupt object should be dropped")
		}
	})

	t.Run("io error keeps the binding", func(t *testing.T) {
		fb := &faultyBackend{memBackend: newMemBackend()}
		s := newStore(storeConfig{backend: fb})
		fp := fpFor("a")
		h := mustPut(t, s, "good")
		s.Bind(ctx, fp, h)

		fb.readErr = errors.New("disk on fire")
		if _, ok := s.Get(ctx, h); ok {
			t.Fatalf("read error must be a miss")
		}
		if _, ok := s.Lookup(fp); !ok {
			t.Fatalf("a transient error must not drop the binding")
		}
	})

	t.Run("missing object is forgotten", func(t *testing.T) {
		s, b := newTestStore(0, nil)
		fp := fpFor("a")
		h := mustPut(t, s, "good")
		s.Bind(ctx, fp, h)
		delete(b.objects, h.String())

		if _, ok := s.Get(ctx, h); ok {
			t.Fatalf("missing object must be a miss")
		}
		if _, ok := s.Lookup(fp); ok {
			t.Fatalf("binding to a missing object should be dropped")
		}
		if _, ok := b.refs[fp.String()]; ok {
			t.Fatalf("ref to a missing object should be deleted")
		}
	})
}

func TestStoreFlushAndLoad(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(0, nil)
	a, bb := fpFor("a"), fpFor("b")
	h := mustPut(t, s, "shared")
	s.Bind(ctx, a, h)
	s.Bind(ctx, bb, h)

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(b.index) != 2 {
		t.Fatalf("expected 2 index records, got %d", len(b.index))
	}

	// nothing changed: no write
	b.index = nil
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.index != nil {
		t.Fatalf("clean index should not be rewritten")
	}

	s.Lookup(a)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	recs := append([]IndexRecord(nil), b.index...)
	recs = append(recs, IndexRecord{Fingerprint: "zz", Hash: h.String()})

	b2 := newMemBackend()
	b2.index = recs
	s2 := newStore(storeConfig{backend: b2})
	s2.load(ctx)
	st := s2.Stats()
	if st.Entries != 2 || st.Blobs != 1 || st.Bytes != int64(len("shared")) {
		t.Fatalf("reloaded store should hold 2 entries over 1 blob and skip bad records: %+v", st)
	}
}

func TestStoreAbandonDropsUnboundBlob(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(0, nil)

	h := mustPut(t, s, "stale")
	s.Abandon(ctx, h)
	if st := s.Stats(); st.Blobs != 0 || st.Bytes != 0 {
		t.Fatalf("abandoned blob should be gone: %+v", st)
	}
	if _, ok := b.objects[h.String()]; ok {
		t.Fatalf("abandoned blob should be deleted from the backend")
	}
	// abandoning twice, or an unknown hash, is a no-op
	s.Abandon(ctx, h)
}

func TestStoreAbandonKeepsSharedBlob(t *testing.T) {
	ctx := context.Background()

	t.Run("bound by another fingerprint", func(t *testing.T) {
		s, _ := newTestStore(0, nil)
		fp := fpFor("a")
		h := mustPut(t, s, "same output")
		s.Bind(ctx, fp, h)

		// a second task produced identical bytes, then went stale
		mustPut(t, s, "same output")
		s.Abandon(ctx, h)
		if got, ok := s.Lookup(fp); !ok || got != h {
			t.Fatalf("bound blob must survive Abandon")
		}
	})

	t.Run("another put still pending", func(t *testing.T) {
		s, _ := newTestStore(0, nil)
		h := mustPut(t, s, "same output")
		mustPut(t, s, "same output")

		s.Abandon(ctx, h)
		if st := s.Stats(); st.Blobs != 1 {
			t.Fatalf("blob with a pending put must survive: %+v", st)
		}
		if !s.Bind(ctx, fpFor("b"), h) {
			t.Fatalf("pending put should still bind")
		}
	})
}

// observingBackend runs onWrite before storing an object.
type observingBackend struct {
	*memBackend
	onWrite func(hash string)
}

func (b *observingBackend) WriteObject(ctx context.Context, hash string, payload []byte) error {
	b.onWrite(hash)
	return b.memBackend.WriteObject(ctx, hash, payload)
}

func TestStorePutHidesBlobUntilWritten(t *testing.T) {
	ctx := context.Background()
	ob := &observingBackend{memBackend: newMemBackend()}
	s := newStore(storeConfig{backend: ob, capacity: 1})

	var during StoreStats
	ob.onWrite = func(string) {
		// an eviction pass racing the write must not see the blob yet
		s.EvictIfNeeded(ctx)
		during = s.Stats()
	}
	h := mustPut(t, s, "in flight")
	if during.Blobs != 0 || during.Bytes != 0 {
		t.Fatalf("blob visible before its write finished: %+v", during)
	}
	// alone over capacity, so Put evicts it once written, from both sides
	if _, ok := ob.objects[h.String()]; ok {
		t.Fatalf("evicted blob must not be left on the backend")
	}
	if st := s.Stats(); st.Blobs != 0 {
		t.Fatalf("store should not track the evicted blob: %+v", st)
	}
}
