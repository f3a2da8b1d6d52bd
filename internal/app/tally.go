package app

import (
	"fmt"
	"sync"

	"autoposter/internal/eventbus"
)

// tally counts task lifecycle events for the shutdown summary.
type tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func newTally() *tally { return &tally{counts: map[string]int{}} }

func (t *tally) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskStarted, eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskDropped:
	default:
		return
	}
	t.mu.Lock()
	t.counts[e.Type]++
	t.mu.Unlock()
}

func (t *tally) get(typ string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[typ]
}

func (t *tally) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("started=%d finished=%d failed=%d dropped=%d",
		t.counts[eventbus.TaskStarted], t.counts[eventbus.TaskFinished],
		t.counts[eventbus.TaskFailed], t.counts[eventbus.TaskDropped])
}
