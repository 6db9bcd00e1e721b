package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"
)

// Provider is a cost-bounded memory tier. Costs are blob sizes in bytes, so
// MaxCost is a byte budget.
type Provider struct {
	c *rc.Cache
}

type Config struct {
	MaxBytes int64 // required
	// Expected number of resident blobs; sizes the admission counters.
	// 0 => MaxBytes / 64 KiB, at least 1000.
	ExpectedItems int64
	BufferItems   int64 // 0 => 64
	Metrics       bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("ristretto: MaxBytes must be positive")
	}
	items := cfg.ExpectedItems
	if items <= 0 {
		items = max(cfg.MaxBytes/(64<<10), 1000)
	}
	buffer := cfg.BufferItems
	if buffer <= 0 {
		buffer = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: items * 10,
		MaxCost:     cfg.MaxBytes,
		BufferItems: buffer,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set blocks until the write is applied, so a blob is readable as soon as the
// store reports it.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = int64(len(value))
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	if ok {
		p.c.Wait()
	}
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics is nil unless Config.Metrics was set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
