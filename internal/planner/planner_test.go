package planner

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, hour, min int) time.Time {
	return time.Date(2026, time.March, day, hour, min, 0, 0, time.UTC)
}

func assertAscendingDistinct(t *testing.T, got []time.Time, now time.Time) {
	t.Helper()
	seen := map[int64]bool{}
	for i, s := range got {
		assert.True(t, s.After(now), "slot %s not after now", s)
		assert.False(t, seen[s.Unix()], "duplicate slot %s", s)
		seen[s.Unix()] = true
		if i > 0 {
			assert.True(t, got[i-1].Before(s), "not ascending at %d", i)
		}
	}
}

func inWindow(w Window, s time.Time) bool {
	h := s.Hour()
	if w.EndHour > w.StartHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

func TestPlanMorningScenario(t *testing.T) {
	p := New(rand.NewSource(1))
	w := Window{StartHour: 8, EndHour: 22, SlotCount: 3}
	now := at(10, 9, 0)

	got := p.Plan(w, now)
	require.Len(t, got, 3)
	assertAscendingDistinct(t, got, now)
	for _, s := range got {
		assert.False(t, s.Before(at(10, 9, 1)), "slot %s before floor", s)
		assert.True(t, s.Before(at(10, 22, 0)), "slot %s after window", s)
	}
}

func TestPlanAfterWindowRollsOver(t *testing.T) {
	p := New(rand.NewSource(7))
	w := Window{StartHour: 8, EndHour: 22, SlotCount: 4}
	now := at(10, 23, 0)

	got := p.Plan(w, now)
	require.Len(t, got, 4)
	assertAscendingDistinct(t, got, now)
	for _, s := range got {
		assert.Equal(t, 11, s.Day())
		assert.True(t, inWindow(w, s))
	}
}

func TestPlanShortfallSpillsToNextDay(t *testing.T) {
	p := New(rand.NewSource(3))
	// 21:58:30 leaves 30 seconds today after the one-minute floor.
	w := Window{StartHour: 8, EndHour: 22, SlotCount: 40}
	now := time.Date(2026, time.March, 10, 21, 58, 30, 0, time.UTC)

	got := p.Plan(w, now)
	require.Len(t, got, 40)
	assertAscendingDistinct(t, got, now)

	today := 0
	for _, s := range got {
		assert.True(t, inWindow(w, s))
		if s.Day() == 10 {
			today++
		}
	}
	assert.Equal(t, 30, today)
}

func TestPlanOvernightWindow(t *testing.T) {
	p := New(rand.NewSource(11))
	w := Window{StartHour: 22, EndHour: 6, SlotCount: 5}
	now := at(10, 12, 0)

	got := p.Plan(w, now)
	require.Len(t, got, 5)
	assertAscendingDistinct(t, got, now)
	for _, s := range got {
		assert.True(t, inWindow(w, s), "slot %s outside overnight window", s)
	}
}

func TestPlanClampsToAvailableSeconds(t *testing.T) {
	p := New(rand.NewSource(5))
	w := Window{StartHour: 8, EndHour: 9, SlotCount: 10000}
	now := at(10, 9, 30)

	got := p.Plan(w, now)
	// Only tomorrow's 08:00-09:00 is available.
	require.Len(t, got, 3600)
	assertAscendingDistinct(t, got, now)
}

func TestPlanIsDeterministicForSeed(t *testing.T) {
	w := Window{StartHour: 8, EndHour: 22, SlotCount: 3}
	now := at(10, 9, 0)
	a := New(rand.NewSource(42)).Plan(w, now)
	b := New(rand.NewSource(42)).Plan(w, now)
	assert.Equal(t, a, b)
}

func TestWindowValidate(t *testing.T) {
	assert.NoError(t, Window{StartHour: 8, EndHour: 22, SlotCount: 3}.Validate())
	assert.NoError(t, Window{StartHour: 22, EndHour: 6, SlotCount: 1}.Validate())
	assert.Error(t, Window{StartHour: 24, EndHour: 6, SlotCount: 1}.Validate())
	assert.Error(t, Window{StartHour: 8, EndHour: -1, SlotCount: 1}.Validate())
	assert.Error(t, Window{StartHour: 8, EndHour: 22, SlotCount: 0}.Validate())
}
