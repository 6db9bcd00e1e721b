package surfcache

import "sync/atomic"

// Snapshot is an immutable, internally consistent view of the best data
// available for one fingerprint. Values holds Rows*Width entries and is never
// written after the snapshot is published.
type Snapshot struct {
	Fingerprint Fingerprint
	// Generation of the task that produced the snapshot.
	TaskGeneration uint64
	// Generation of the snapshot itself; strictly increasing per fingerprint.
	Generation uint64

	Width, Height int
	Rows          int
	Step          float64
	Units         string
	Values        []float64

	Progress float64
	Final    bool
}

// NewerThan reports whether s supersedes other. A nil other is always older.
func (s *Snapshot) NewerThan(other *Snapshot) bool {
	if s == nil {
		return false
	}
	if other == nil {
		return true
	}
	return s.Generation > other.Generation
}

// Grid returns the snapshot's data as a grid. The values slice is shared.
func (s *Snapshot) Grid() Grid {
	return Grid{
		Width:  s.Width,
		Height: s.Height,
		Rows:   s.Rows,
		Step:   s.Step,
		Units:  s.Units,
		Values: s.Values,
	}
}

// Publisher exposes the newest snapshot to any number of readers.
//
// Single writer, many readers: Publish swaps a pointer, Current loads it. Neither
// side blocks the other and a reader can only see a fully formed snapshot.
// Replaced snapshots stay alive for as long as some reader still holds them and
// are reclaimed by the garbage collector after that.
type Publisher struct {
	cur atomic.Pointer[Snapshot]
}

// Publish makes s current unless it is not newer than what is already visible.
func (p *Publisher) Publish(s *Snapshot) bool {
	if s == nil {
		return false
	}
	for {
		old := p.cur.Load()
		if !s.NewerThan(old) {
			return false
		}
		if p.cur.CompareAndSwap(old, s) {
			return true
		}
	}
}

// Current returns the newest published snapshot, or nil before the first Publish.
func (p *Publisher) Current() *Snapshot {
	return p.cur.Load()
}
