package surfcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/surfcache/provider"
)

// ContentHash addresses a stored blob by its own bytes.
type ContentHash [sha256.Size]byte

func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("surfcache: bad content hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(f) {
		return f, fmt.Errorf("surfcache: bad fingerprint %q", s)
	}
	copy(f[:], b)
	return f, nil
}

func hashBlob(b []byte) ContentHash { return sha256.Sum256(b) }

// IndexRecord is the persisted form of one fingerprint -> blob binding.
type IndexRecord struct {
	Fingerprint string    `msgpack:"fp" json:"fingerprint"`
	Hash        string    `msgpack:"h" json:"hash"`
	Size        int64     `msgpack:"sz" json:"size"`
	AccessedAt  time.Time `msgpack:"at" json:"accessed_at"`
}

// Backend is the durable side of the content store. Keys are lowercase hex.
//
// ReadObject returns (nil, false, nil) on a miss and an error matching ErrCorrupt
// when the stored bytes fail verification; the backend is expected to have
// dropped such an object already.
type Backend interface {
	ReadObject(ctx context.Context, hash string) ([]byte, bool, error)
	WriteObject(ctx context.Context, hash string, payload []byte) error
	DeleteObject(ctx context.Context, hash string) error

	PutRef(ctx context.Context, fingerprint, hash string) error
	DeleteRef(ctx context.Context, fingerprint string) error

	// LoadIndex returns the last saved index, rebuilding it if needed.
	LoadIndex(ctx context.Context) ([]IndexRecord, error)
	SaveIndex(ctx context.Context, records []IndexRecord) error

	Close(ctx context.Context) error
}

type indexEntry struct {
	hash   ContentHash
	access time.Time
	refs   int64
}

type blobMeta struct {
	size    int64
	added   time.Time
	fps     map[Fingerprint]struct{}
	pending int // Puts not yet bound or abandoned
}

// Store is the content-addressed, capacity-bounded blob store.
//
// Blob bytes live in the backend (and optionally a memory tier in front of it);
// the store itself only keeps the index, so reads never wait on a writer's I/O.
type Store struct {
	backend  Backend
	tier     pr.Provider
	tierTTL  time.Duration
	capacity int64
	log      Logger
	hooks    Hooks
	now      func() time.Time

	mu    sync.Mutex
	index map[Fingerprint]*indexEntry
	blobs map[ContentHash]*blobMeta
	used  int64
	dirty bool
}

type storeConfig struct {
	backend  Backend
	tier     pr.Provider
	tierTTL  time.Duration
	capacity int64
	log      Logger
	hooks    Hooks
}

func newStore(cfg storeConfig) *Store {
	return &Store{
		backend:  cfg.backend,
		tier:     cfg.tier,
		tierTTL:  cfg.tierTTL,
		capacity: cfg.capacity,
		log:      coalesce[Logger](cfg.log, NopLogger{}),
		hooks:    coalesce[Hooks](cfg.hooks, NopHooks{}),
		now:      time.Now,
		index:    make(map[Fingerprint]*indexEntry),
		blobs:    make(map[ContentHash]*blobMeta),
	}
}

// load restores the index from the backend. Records that do not parse are skipped.
func (s *Store) load(ctx context.Context) {
	recs, err := s.backend.LoadIndex(ctx)
	if err != nil {
		s.persistError("index", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		fp, err := ParseFingerprint(r.Fingerprint)
		if err != nil {
			continue
		}
		h, err := ParseContentHash(r.Hash)
		if err != nil {
			continue
		}
		m := s.blobs[h]
		if m == nil {
			m = &blobMeta{size: r.Size, added: r.AccessedAt, fps: make(map[Fingerprint]struct{})}
			s.blobs[h] = m
			s.used += r.Size
		}
		m.fps[fp] = struct{}{}
		s.index[fp] = &indexEntry{hash: h, access: r.AccessedAt}
	}
	if len(recs) > 0 {
		s.log.Info("content index loaded", Fields{"entries": len(s.index), "blobs": len(s.blobs), "bytes": s.used})
	}
}

// Get returns the blob stored under h. Any failure is a miss: I/O errors are
// logged, and bytes that do not hash back to h are dropped.
func (s *Store) Get(ctx context.Context, h ContentHash) ([]byte, bool) {
	key := h.String()
	if s.tier != nil {
		if raw, ok, err := s.tier.Get(ctx, tierKey(key)); err == nil && ok {
			return raw, true
		}
	}

	raw, ok, err := s.backend.ReadObject(ctx, key)
	switch {
	case errors.Is(err, ErrCorrupt):
		s.selfHeal(ctx, h, "corrupt")
		return nil, false
	case err != nil:
		s.persistError("read", err)
		return nil, false
	case !ok:
		s.forget(ctx, h)
		return nil, false
	}
	if hashBlob(raw) != h {
		s.selfHeal(ctx, h, "corrupt")
		return nil, false
	}
	s.warm(ctx, key, raw)
	return raw, true
}

// Put stores blob under its content hash. Storing the same bytes twice is a
// no-op that returns the same hash. A failed durable write is logged and the
// blob is kept in the memory tier only.
//
// The blob becomes visible to eviction only after its durable write. Every Put
// must be followed by Bind or Abandon for the returned hash.
func (s *Store) Put(ctx context.Context, blob []byte) (ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return ContentHash{}, err
	}
	h := hashBlob(blob)
	key := h.String()
	size := int64(len(blob))

	s.mu.Lock()
	if m, ok := s.blobs[h]; ok {
		m.added = s.now()
		m.pending++
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	if err := s.backend.WriteObject(ctx, key, blob); err != nil {
		s.persistError("write", err)
	}
	s.warm(ctx, key, blob)

	s.mu.Lock()
	m, ok := s.blobs[h]
	if !ok {
		m = &blobMeta{size: size, fps: make(map[Fingerprint]struct{})}
		s.blobs[h] = m
		s.used += size
		s.dirty = true
	}
	m.added = s.now()
	m.pending++
	s.mu.Unlock()

	s.EvictIfNeeded(ctx)
	return h, nil
}

// Abandon gives up a Put whose result will never be bound. The blob is
// dropped when no fingerprint points at it and no other Put is pending on it.
func (s *Store) Abandon(ctx context.Context, h ContentHash) {
	s.mu.Lock()
	m, ok := s.blobs[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	if m.pending > 0 {
		m.pending--
	}
	if m.pending > 0 || len(m.fps) > 0 {
		s.mu.Unlock()
		return
	}
	fps := s.dropLocked(h)
	s.mu.Unlock()
	s.purge(ctx, h, fps)
	s.log.Debug("dropped unbound blob", Fields{"hash": h.String()})
}

// Bind points fp at the blob h. It reports false when h is not stored
// (e.g. it was evicted before the binding arrived).
func (s *Store) Bind(ctx context.Context, fp Fingerprint, h ContentHash) bool {
	s.mu.Lock()
	m, ok := s.blobs[h]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := s.index[fp]
	if e == nil {
		e = &indexEntry{}
		s.index[fp] = e
	} else if e.hash != h {
		if old := s.blobs[e.hash]; old != nil {
			delete(old.fps, fp)
		}
	}
	e.hash = h
	e.access = s.now()
	m.fps[fp] = struct{}{}
	if m.pending > 0 {
		m.pending--
	}
	s.dirty = true
	s.mu.Unlock()

	if err := s.backend.PutRef(ctx, fp.String(), h.String()); err != nil {
		s.persistError("ref", err)
	}
	return true
}

// Lookup returns the blob bound to fp and marks it as recently used.
func (s *Store) Lookup(fp Fingerprint) (ContentHash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[fp]
	if !ok {
		return ContentHash{}, false
	}
	e.access = s.now()
	s.dirty = true
	return e.hash, true
}

// Acquire pins fp's blob against eviction until the matching Release.
func (s *Store) Acquire(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[fp]
	if !ok {
		return false
	}
	e.refs++
	return true
}

// Release drops one pin. Releasing an unpinned or unknown entry is a no-op.
func (s *Store) Release(fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.index[fp]; ok && e.refs > 0 {
		e.refs--
	}
}

type evictCandidate struct {
	hash   ContentHash
	size   int64
	recent time.Time
	fps    []Fingerprint
}

// EvictIfNeeded drops least recently used, unpinned blobs until the stored
// bytes fit the capacity. Pinned blobs are never evicted, so the store may stay
// above capacity while they are held.
func (s *Store) EvictIfNeeded(ctx context.Context) {
	s.mu.Lock()
	if s.capacity <= 0 || s.used <= s.capacity {
		s.mu.Unlock()
		return
	}

	cands := make([]evictCandidate, 0, len(s.blobs))
	for h, m := range s.blobs {
		c := evictCandidate{hash: h, size: m.size, recent: m.added}
		pinned := false
		for fp := range m.fps {
			e := s.index[fp]
			if e == nil {
				continue
			}
			if e.refs > 0 {
				pinned = true
				break
			}
			if e.access.After(c.recent) {
				c.recent = e.access
			}
		}
		if !pinned {
			cands = append(cands, c)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].recent.Equal(cands[j].recent) {
			return cands[i].size > cands[j].size
		}
		return cands[i].recent.Before(cands[j].recent)
	})

	var victims []evictCandidate
	for _, c := range cands {
		if s.used <= s.capacity {
			break
		}
		c.fps = s.dropLocked(c.hash)
		victims = append(victims, c)
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.purge(ctx, v.hash, v.fps)
		s.hooks.Evicted(v.hash.String(), v.size)
		s.log.Debug("evicted blob", Fields{"hash": v.hash.String(), "size": v.size, "fingerprints": len(v.fps)})
	}
}

// dropLocked removes h and every binding to it from the index.
func (s *Store) dropLocked(h ContentHash) []Fingerprint {
	m, ok := s.blobs[h]
	if !ok {
		return nil
	}
	fps := make([]Fingerprint, 0, len(m.fps))
	for fp := range m.fps {
		if e := s.index[fp]; e != nil && e.hash == h {
			delete(s.index, fp)
			fps = append(fps, fp)
		}
	}
	delete(s.blobs, h)
	s.used -= m.size
	s.dirty = true
	return fps
}

// purge deletes h and the given bindings from the tier and the backend.
func (s *Store) purge(ctx context.Context, h ContentHash, fps []Fingerprint) {
	key := h.String()
	if s.tier != nil {
		_ = s.tier.Del(ctx, tierKey(key))
	}
	if err := s.backend.DeleteObject(ctx, key); err != nil {
		s.persistError("delete", err)
	}
	for _, fp := range fps {
		if err := s.backend.DeleteRef(ctx, fp.String()); err != nil {
			s.persistError("delete", err)
		}
	}
}

func (s *Store) selfHeal(ctx context.Context, h ContentHash, reason string) {
	s.mu.Lock()
	fps := s.dropLocked(h)
	s.mu.Unlock()
	s.purge(ctx, h, fps)
	s.hooks.SelfHeal(h.String(), reason)
	s.log.Warn("dropped unreadable blob", Fields{"hash": h.String(), "reason": reason})
}

// forget drops index state for a blob the backend no longer has.
func (s *Store) forget(ctx context.Context, h ContentHash) {
	s.mu.Lock()
	_, known := s.blobs[h]
	fps := s.dropLocked(h)
	s.mu.Unlock()
	if !known {
		return
	}
	for _, fp := range fps {
		if err := s.backend.DeleteRef(ctx, fp.String()); err != nil {
			s.persistError("delete", err)
		}
	}
	s.log.Debug("blob missing from backend", Fields{"hash": h.String()})
}

func (s *Store) warm(ctx context.Context, key string, raw []byte) {
	if s.tier == nil {
		return
	}
	ok, err := s.tier.Set(ctx, tierKey(key), raw, int64(len(raw)), s.tierTTL)
	if err != nil || !ok {
		s.log.Debug("memory tier rejected blob", Fields{"hash": key, "err": err})
	}
}

func (s *Store) persistError(op string, err error) {
	s.hooks.PersistError(op, err)
	s.log.Warn("content store persistence failed", Fields{"op": op, "err": err})
}

// Flush writes the index to the backend if it changed since the last flush.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	recs := make([]IndexRecord, 0, len(s.index))
	for fp, e := range s.index {
		var size int64
		if m := s.blobs[e.hash]; m != nil {
			size = m.size
		}
		recs = append(recs, IndexRecord{
			Fingerprint: fp.String(),
			Hash:        e.hash.String(),
			Size:        size,
			AccessedAt:  e.access,
		})
	}
	s.dirty = false
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Fingerprint < recs[j].Fingerprint })
	if err := s.backend.SaveIndex(ctx, recs); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.persistError("index", err)
		return err
	}
	return nil
}

// StoreStats is a point-in-time view of the content store.
type StoreStats struct {
	Entries  int   `json:"entries"`
	Blobs    int   `json:"blobs"`
	Pinned   int   `json:"pinned"`
	Bytes    int64 `json:"bytes"`
	Capacity int64 `json:"capacity"`
}

func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreStats{
		Entries:  len(s.index),
		Blobs:    len(s.blobs),
		Bytes:    s.used,
		Capacity: s.capacity,
	}
	for _, e := range s.index {
		if e.refs > 0 {
			st.Pinned++
		}
	}
	return st
}

func (s *Store) close(ctx context.Context) error {
	var errs []error
	if err := s.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.tier != nil {
		if err := s.tier.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.backend.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func tierKey(hash string) string { return "blob:" + hash }
