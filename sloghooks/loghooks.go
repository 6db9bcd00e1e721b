// Package sloghooks reports cache events to a *slog.Logger.
package sloghooks

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/surfcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	HitEvery      uint64
	MissEvery     uint64
	SelfHealEvery uint64
	// Optional key shortener. Defaults to the first 12 hex characters.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitCtr      atomic.Uint64
	missCtr     atomic.Uint64
	selfHealCtr atomic.Uint64
}

var _ surfcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	if len(k) > 12 {
		return k[:12]
	}
	return k
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHit(fp string) {
	if h.l == nil || !sample(h.opts.HitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("surfcache.hit", "fp", h.redact(fp))
}

func (h *Hooks) CacheMiss(fp string, attached bool) {
	if h.l == nil || !sample(h.opts.MissEvery, &h.missCtr) {
		return
	}
	h.l.Debug("surfcache.miss",
		"fp", h.redact(fp),
		"attached", attached)
}

func (h *Hooks) TaskStarted(fp string, gen uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("surfcache.task_started",
		"fp", h.redact(fp),
		"gen", gen)
}

func (h *Hooks) TaskFinished(fp string, gen uint64, status string, elapsed time.Duration) {
	if h.l == nil {
		return
	}
	level := slog.LevelInfo
	if status == "failed" {
		level = slog.LevelWarn
	}
	h.l.Log(context.Background(), level, "surfcache.task_finished",
		"fp", h.redact(fp),
		"gen", gen,
		"status", status,
		"elapsed", elapsed)
}

func (h *Hooks) StaleCompletion(fp string, gen uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("surfcache.stale_completion",
		"fp", h.redact(fp),
		"gen", gen)
}

func (h *Hooks) SelfHeal(hash, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Warn("surfcache.self_heal",
		"hash", h.redact(hash),
		"reason", reason)
}

func (h *Hooks) Evicted(hash string, size int64) {
	if h.l == nil {
		return
	}
	h.l.Debug("surfcache.evicted",
		"hash", h.redact(hash),
		"size", size)
}

func (h *Hooks) PersistError(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("surfcache.persist_error",
		"op", op,
		"err", err)
}
