// Package planner picks randomized, distinct posting instants inside a daily
// operating window.
package planner

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// floor keeps every slot at least this far in the future.
const floor = time.Minute

// Window is a daily operating window. EndHour <= StartHour spans midnight.
type Window struct {
	StartHour int
	EndHour   int
	SlotCount int
}

func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour >= 24 {
		return errors.Newf("start_hour %d out of range [0,24)", w.StartHour)
	}
	if w.EndHour < 0 || w.EndHour >= 24 {
		return errors.Newf("end_hour %d out of range [0,24)", w.EndHour)
	}
	if w.SlotCount < 1 {
		return errors.Newf("slot_count must be >= 1, got %d", w.SlotCount)
	}
	return nil
}

// Bounds returns the window instants for the calendar day of day, in day's location.
func (w Window) Bounds(day time.Time) (start, end time.Time) {
	y, m, d := day.Date()
	loc := day.Location()
	start = time.Date(y, m, d, w.StartHour, 0, 0, 0, loc)
	end = time.Date(y, m, d, w.EndHour, 0, 0, 0, loc)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end
}

// Clock is injectable for deterministic planning.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Planner is safe for concurrent use.
type Planner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func New(src rand.Source) *Planner {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Planner{rng: rand.New(src)}
}

// Plan returns up to w.SlotCount ascending instants strictly after now.
// Slots are drawn without replacement at second granularity from what is
// left of today's window; any shortfall is drawn from the next day's window.
// The count is clamped when the windows cannot supply enough distinct seconds.
func (p *Planner) Plan(w Window, now time.Time) []time.Time {
	if w.SlotCount <= 0 {
		return nil
	}
	start, end := w.Bounds(now)
	lo := now.Add(floor).Truncate(time.Second)
	if start.After(lo) {
		lo = start
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]time.Time, 0, w.SlotCount)
	if end.After(lo) {
		out = append(out, p.draw(lo, end, w.SlotCount)...)
	}
	if short := w.SlotCount - len(out); short > 0 {
		nextStart, nextEnd := start.AddDate(0, 0, 1), end.AddDate(0, 0, 1)
		if nextStart.Before(lo) {
			nextStart = lo
		}
		if nextEnd.After(nextStart) {
			out = append(out, p.draw(nextStart, nextEnd, short)...)
		}
	}

	kept := out[:0]
	for _, t := range out {
		if t.After(now) {
			kept = append(kept, t)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	return kept
}

// draw picks k distinct whole-second offsets in [from, to) using Floyd's algorithm.
func (p *Planner) draw(from, to time.Time, k int) []time.Time {
	n := int64(to.Sub(from) / time.Second)
	if n <= 0 {
		return nil
	}
	if int64(k) > n {
		k = int(n)
	}
	seen := make(map[int64]struct{}, k)
	out := make([]time.Time, 0, k)
	for j := n - int64(k); j < n; j++ {
		v := p.rng.Int63n(j + 1)
		if _, dup := seen[v]; dup {
			v = j
		}
		seen[v] = struct{}{}
		out = append(out, from.Add(time.Duration(v)*time.Second))
	}
	return out
}
