package surfcache

import (
	"errors"
	"testing"
	"time"
)

func TestJoinHooks(t *testing.T) {
	if _, ok := JoinHooks().(NopHooks); !ok {
		t.Fatalf("no hooks should yield NopHooks")
	}
	if _, ok := JoinHooks(nil, nil).(NopHooks); !ok {
		t.Fatalf("only nil hooks should yield NopHooks")
	}
	one := newRecordingHooks()
	if JoinHooks(nil, one) != Hooks(one) {
		t.Fatalf("a single hook should be returned as is")
	}

	a, b := newRecordingHooks(), newRecordingHooks()
	h := JoinHooks(a, nil, b)
	h.CacheHit("fp")
	h.CacheMiss("fp", true)
	h.CacheMiss("fp", false)
	h.TaskStarted("fp", 1)
	h.TaskFinished("fp", 1, "done", time.Millisecond)
	h.StaleCompletion("fp", 1)
	h.SelfHeal("h", "decode")
	h.Evicted("h", 10)
	h.PersistError("write", errors.New("x"))

	for _, r := range []*recordingHooks{a, b} {
		if r.hits != 1 || r.attached != 1 || r.spawned != 1 || r.finished["done"] != 1 ||
			r.stale != 1 || r.selfHeals["decode"] != 1 || r.evicted != 1 {
			t.Fatalf("event not fanned out: %+v", r)
		}
	}
}
