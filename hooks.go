package surfcache

import "time"

// Hooks are lightweight callbacks for high-signal cache events.
// Implementations MUST be cheap and non-blocking: most are called from the
// request path or from inside a worker between tiles.
type Hooks interface {
	// Request resolved from the content store without spawning a task.
	CacheHit(fingerprint string)
	// Request missed; attached is true when it joined an in-flight task.
	CacheMiss(fingerprint string, attached bool)

	// A worker started (or finished) driving a task.
	// status ∈ {"done", "cancelled", "failed"}
	TaskStarted(fingerprint string, generation uint64)
	TaskFinished(fingerprint string, generation uint64, status string, elapsed time.Duration)

	// A completion arrived for a generation that was no longer current.
	StaleCompletion(fingerprint string, generation uint64)

	// A stored object was dropped on read.
	// reason ∈ {"corrupt", "decode"}
	SelfHeal(hash, reason string)

	// A blob was evicted by capacity pressure.
	Evicted(hash string, size int64)

	// Durable backend failed; the cache carried on without it.
	// op ∈ {"read", "write", "delete", "ref", "index"}
	PersistError(op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheHit(string)                                    {}
func (NopHooks) CacheMiss(string, bool)                             {}
func (NopHooks) TaskStarted(string, uint64)                         {}
func (NopHooks) TaskFinished(string, uint64, string, time.Duration) {}
func (NopHooks) StaleCompletion(string, uint64)                     {}
func (NopHooks) SelfHeal(string, string)                            {}
func (NopHooks) Evicted(string, int64)                              {}
func (NopHooks) PersistError(string, error)                         {}

// JoinHooks fans every event out to hs in order. Nil entries are skipped.
func JoinHooks(hs ...Hooks) Hooks {
	out := make(multiHooks, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	switch len(out) {
	case 0:
		return NopHooks{}
	case 1:
		return out[0]
	}
	return out
}

type multiHooks []Hooks

func (m multiHooks) CacheHit(fp string) {
	for _, h := range m {
		h.CacheHit(fp)
	}
}

func (m multiHooks) CacheMiss(fp string, attached bool) {
	for _, h := range m {
		h.CacheMiss(fp, attached)
	}
}

func (m multiHooks) TaskStarted(fp string, gen uint64) {
	for _, h := range m {
		h.TaskStarted(fp, gen)
	}
}

func (m multiHooks) TaskFinished(fp string, gen uint64, status string, elapsed time.Duration) {
	for _, h := range m {
		h.TaskFinished(fp, gen, status, elapsed)
	}
}

func (m multiHooks) StaleCompletion(fp string, gen uint64) {
	for _, h := range m {
		h.StaleCompletion(fp, gen)
	}
}

func (m multiHooks) SelfHeal(hash, reason string) {
	for _, h := range m {
		h.SelfHeal(hash, reason)
	}
}

func (m multiHooks) Evicted(hash string, size int64) {
	for _, h := range m {
		h.Evicted(hash, size)
	}
}

func (m multiHooks) PersistError(op string, err error) {
	for _, h := range m {
		h.PersistError(op, err)
	}
}
