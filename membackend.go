package surfcache

import (
	"context"
	"sync"
)

// memBackend is the default Backend: process-local, nothing survives a restart.
type memBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	refs    map[string]string
	index   []IndexRecord
}

var _ Backend = (*memBackend)(nil)

func newMemBackend() *memBackend {
	return &memBackend{
		objects: make(map[string][]byte),
		refs:    make(map[string]string),
	}
}

func (b *memBackend) ReadObject(_ context.Context, hash string) ([]byte, bool, error) {
	b.mu.RLock()
	v, ok := b.objects[hash]
	b.mu.RUnlock()
	return v, ok, nil
}

func (b *memBackend) WriteObject(_ context.Context, hash string, payload []byte) error {
	b.mu.Lock()
	if _, ok := b.objects[hash]; !ok {
		b.objects[hash] = payload
	}
	b.mu.Unlock()
	return nil
}

func (b *memBackend) DeleteObject(_ context.Context, hash string) error {
	b.mu.Lock()
	delete(b.objects, hash)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) PutRef(_ context.Context, fingerprint, hash string) error {
	b.mu.Lock()
	b.refs[fingerprint] = hash
	b.mu.Unlock()
	return nil
}

func (b *memBackend) DeleteRef(_ context.Context, fingerprint string) error {
	b.mu.Lock()
	delete(b.refs, fingerprint)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) LoadIndex(context.Context) ([]IndexRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]IndexRecord(nil), b.index...), nil
}

func (b *memBackend) SaveIndex(_ context.Context, records []IndexRecord) error {
	b.mu.Lock()
	b.index = append(b.index[:0], records...)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) Close(context.Context) error { return nil }
