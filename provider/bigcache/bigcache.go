// Package bigcache adapts allegro/bigcache as the memory tier.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

const (
	defaultLife      = 10 * time.Minute
	defaultBlobBytes = 64 << 10
	defaultShards    = 32
)

// Provider keeps blobs off the GC's scan path. BigCache has no per-entry TTL:
// every blob lives for LifeWindow, and the ttl passed to Set is ignored.
type Provider struct {
	c *bc.BigCache
}

type Config struct {
	LifeWindow time.Duration // 0 => 10m
	// MaxMB caps the total memory of all shards; 0 = unbounded.
	MaxMB int
	// ExpectedBlobBytes sizes the initial shard buffers; 0 => 64 KiB.
	ExpectedBlobBytes int
	// Shards must be a power of two; 0 => 32.
	Shards int
}

func New(cfg Config) (*Provider, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = defaultLife
	}
	conf := bc.DefaultConfig(life)
	conf.Verbose = false
	conf.CleanWindow = life / 2
	conf.MaxEntrySize = defaultBlobBytes
	if cfg.ExpectedBlobBytes > 0 {
		conf.MaxEntrySize = cfg.ExpectedBlobBytes
	}
	conf.Shards = defaultShards
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	conf.MaxEntriesInWindow = conf.Shards * 10
	conf.HardMaxCacheSize = cfg.MaxMB
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	switch {
	case errors.Is(err, bc.ErrEntryNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return b, true, nil
}

// Set reports ok=false when the blob does not fit its shard.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	return p.c.Set(key, value) == nil, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Len is the number of resident blobs.
func (p *Provider) Len() int { return p.c.Len() }

// Hits returns the tier's hit and miss counters since creation.
func (p *Provider) Hits() (hits, misses int64) {
	st := p.c.Stats()
	return st.Hits, st.Misses
}

func (p *Provider) Close(context.Context) error { return p.c.Close() }
