package surfcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	c "github.com/unkn0wn-root/surfcache/codec"
	gen "github.com/unkn0wn-root/surfcache/genstore"
	pr "github.com/unkn0wn-root/surfcache/provider"
)

// Cache is the whole surface a front end may use: request a slice, poll it from
// a UI tick, cancel interest in it.
type Cache interface {
	// Request resolves p to a handle. A stored result is returned as an already
	// finished handle; otherwise the handle follows the (possibly shared) task
	// computing it.
	Request(ctx context.Context, p Params) (*Handle, error)
	// Poll never blocks.
	Poll(h *Handle) Status
	// Cancel releases h. The underlying task stops only when no other handle
	// is interested in it. Calling Cancel more than once is a no-op.
	Cancel(h *Handle)
	// Wait blocks until h settles or ctx ends.
	Wait(ctx context.Context, h *Handle) (Status, error)

	Stats() Stats
	Close(context.Context) error
}

// Options configure a Cache. Only Functions is required.
type Options struct {
	// Required
	Functions map[string]EvalFunc // keyed by Params.Function

	Backend       Backend       // durable blob storage; nil => in-memory
	Tier          pr.Provider   // optional memory tier in front of Backend
	TierTTL       time.Duration // 0 => 10m
	Codec         c.Codec[Grid] // must be deterministic; nil => canonical CBOR
	MaxBlobBytes  int           // decode limit; 0 => unlimited
	Capacity      int64         // stored bytes before eviction; 0 => 256 MiB, <0 => unbounded
	Workers       int           // running tasks and pool goroutines; 0 => GOMAXPROCS
	TileRows      int           // rows per progressive tile; 0 => 8
	MaxGridPoints int           // 0 => 16M
	Normalization Normalization

	Logger          Logger        // if nil, NopLogger is used
	Hooks           Hooks         // if nil, NopHooks is used
	GenStore        gen.GenStore  // nil => LocalGenStore (in-process)
	CleanupInterval time.Duration // generation sweep; 0 => 1h
	GenRetention    time.Duration // 0 => 30d
	FlushInterval   time.Duration // index flush; 0 => 30s, <0 => only on Close
}

func New(opts Options) (Cache, error) {
	return newCache(opts)
}

// Handle is one consumer's interest in a fingerprint.
type Handle struct {
	id  uuid.UUID
	fp  Fingerprint
	gen uint64

	task   *Task     // nil when served from the store
	final  *Snapshot // set when served from the store
	pinned bool

	released atomic.Bool
}

func (h *Handle) ID() string               { return h.id.String() }
func (h *Handle) Fingerprint() Fingerprint { return h.fp }
func (h *Handle) Generation() uint64       { return h.gen }

// Cached reports whether the handle was served from the content store.
func (h *Handle) Cached() bool { return h.task == nil }

// Status is the result of Poll.
type Status struct {
	State    TaskStatus
	Progress float64   // [0, 1], non-decreasing for a handle
	Snapshot *Snapshot // nil until the first tile is published
	Done     bool
	Err      error // ErrCancelled, ErrHandleReleased, *EvalError, ...
}

type Stats struct {
	Store StoreStats `json:"store"`
	Tasks TaskStats  `json:"tasks"`
}
