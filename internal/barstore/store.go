// Package barstore keeps the most-recent OHLC bars in memory, one bounded
// ring per (instrument, timeframe).
//
// Bars in a ring are ordered by ascending bucket start and at most one — the
// rightmost — is open at any instant. Locking is per series so distinct
// instruments never contend; snapshots hand out copies, never views into the
// ring.
package barstore

import (
	"sync"
	"time"

	"fnostream/pkg/types"
)

type seriesKey struct {
	instrument types.InstrumentKey
	timeframe  types.Timeframe
}

// series is one bounded ring of bars. Guarded by its own mutex.
type series struct {
	mu   sync.Mutex
	bars []types.Bar
}

// Store maps (instrument, timeframe) to a bounded ring of recent bars.
type Store struct {
	ringSize int

	mu     sync.RWMutex // guards the series map, not the bars
	series map[seriesKey]*series
}

// New creates a store keeping at most ringSize bars per series.
func New(ringSize int) *Store {
	return &Store{
		ringSize: ringSize,
		series:   make(map[seriesKey]*series),
	}
}

func (s *Store) get(ik types.InstrumentKey, tf types.Timeframe) *series {
	k := seriesKey{ik, tf}
	s.mu.RLock()
	sr, ok := s.series[k]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[k]; ok {
		return sr
	}
	sr = &series{}
	s.series[k] = sr
	return sr
}

// OpenBar returns a copy of the series' open bar, if one exists. The open
// bar is always the rightmost entry; a closed rightmost entry means no bar
// is currently open.
func (s *Store) OpenBar(ik types.InstrumentKey, tf types.Timeframe) (types.Bar, bool) {
	sr := s.get(ik, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if n := len(sr.bars); n > 0 && !sr.bars[n-1].IsClosed() {
		return sr.bars[n-1].Clone(), true
	}
	return types.Bar{}, false
}

// PutOpen installs bar as the series' open bar. If the rightmost bar is
// open it is replaced in place; otherwise bar is appended, evicting the
// oldest entry once the ring is full.
func (s *Store) PutOpen(ik types.InstrumentKey, tf types.Timeframe, bar types.Bar) {
	sr := s.get(ik, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if n := len(sr.bars); n > 0 && !sr.bars[n-1].IsClosed() {
		sr.bars[n-1] = bar
		return
	}
	sr.append(bar, s.ringSize)
}

// CloseOpen finalizes the series' open bar, stamping closedAt, and returns
// a copy of the now-closed bar. Returns false if no bar was open.
func (s *Store) CloseOpen(ik types.InstrumentKey, tf types.Timeframe, closedAt time.Time) (types.Bar, bool) {
	sr := s.get(ik, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	n := len(sr.bars)
	if n == 0 || sr.bars[n-1].IsClosed() {
		return types.Bar{}, false
	}
	t := closedAt
	sr.bars[n-1].ClosedAt = &t
	return sr.bars[n-1].Clone(), true
}

// Append adds an already-closed bar (e.g. replayed history), evicting the
// front when the ring is full.
func (s *Store) Append(ik types.InstrumentKey, tf types.Timeframe, bar types.Bar) {
	sr := s.get(ik, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.append(bar, s.ringSize)
}

// append assumes sr.mu is held.
func (sr *series) append(bar types.Bar, ringSize int) {
	sr.bars = append(sr.bars, bar)
	if len(sr.bars) > ringSize {
		// Shift instead of re-slicing so evicted bars don't pin the array.
		copy(sr.bars, sr.bars[1:])
		sr.bars = sr.bars[:ringSize]
	}
}

// Snapshot returns up to limit most-recent closed bars plus the open bar,
// in ascending bucket-start order. All entries are copies. limit <= 0 means
// all retained closed bars.
func (s *Store) Snapshot(ik types.InstrumentKey, tf types.Timeframe, limit int) []types.Bar {
	sr := s.get(ik, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	n := len(sr.bars)
	if n == 0 {
		return nil
	}

	closed := n
	hasOpen := !sr.bars[n-1].IsClosed()
	if hasOpen {
		closed = n - 1
	}

	start := 0
	if limit > 0 && closed > limit {
		start = closed - limit
	}

	out := make([]types.Bar, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, sr.bars[i].Clone())
	}
	return out
}

// OpenBars returns copies of every series' open bar. Used by the periodic
// flush to find buckets whose end has passed.
func (s *Store) OpenBars() []types.Bar {
	s.mu.RLock()
	refs := make([]*series, 0, len(s.series))
	for _, sr := range s.series {
		refs = append(refs, sr)
	}
	s.mu.RUnlock()

	var out []types.Bar
	for _, sr := range refs {
		sr.mu.Lock()
		if n := len(sr.bars); n > 0 && !sr.bars[n-1].IsClosed() {
			out = append(out, sr.bars[n-1].Clone())
		}
		sr.mu.Unlock()
	}
	return out
}
