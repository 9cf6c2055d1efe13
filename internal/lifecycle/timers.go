package lifecycle

import (
	"sync"
	"time"

	"liveroom/internal/clock"
)

// TimerRegistry owns every per-room delayed action. Each room holds at most
// one timer; arming replaces it and disarming is safe from any exit path.
// A callback whose timer was replaced or disarmed after it started firing
// observes a stale generation and does nothing.
type TimerRegistry struct {
	clock    clock.Clock
	onChange func(int)

	mu      sync.Mutex
	gen     uint64
	timers  map[string]armedTimer
	stopped bool
}

type armedTimer struct {
	gen   uint64
	timer clock.Timer
}

// NewTimerRegistry returns a registry scheduling on c. onChange, when set,
// receives the number of armed timers after every change.
func NewTimerRegistry(c clock.Clock, onChange func(int)) *TimerRegistry {
	if c == nil {
		c = clock.System()
	}
	return &TimerRegistry{
		clock:    c,
		onChange: onChange,
		timers:   make(map[string]armedTimer),
	}
}

// Arm schedules fn for id after d, replacing any timer already armed for id.
func (r *TimerRegistry) Arm(id string, d time.Duration, fn func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if existing, ok := r.timers[id]; ok {
		existing.timer.Stop()
	}
	r.gen++
	gen := r.gen
	timer := r.clock.AfterFunc(d, func() {
		if r.claim(id, gen) {
			fn()
		}
	})
	r.timers[id] = armedTimer{gen: gen, timer: timer}
	count := len(r.timers)
	r.mu.Unlock()
	r.notify(count)
}

// Disarm cancels the timer for id. It reports whether one was armed.
func (r *TimerRegistry) Disarm(id string) bool {
	r.mu.Lock()
	existing, ok := r.timers[id]
	if ok {
		existing.timer.Stop()
		delete(r.timers, id)
	}
	count := len(r.timers)
	r.mu.Unlock()
	if ok {
		r.notify(count)
	}
	return ok
}

// Armed reports whether a timer is pending for id.
func (r *TimerRegistry) Armed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// Len reports the number of armed timers.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every timer and rejects further Arm calls.
func (r *TimerRegistry) Stop() {
	r.mu.Lock()
	for id, existing := range r.timers {
		existing.timer.Stop()
		delete(r.timers, id)
	}
	r.stopped = true
	r.mu.Unlock()
	r.notify(0)
}

func (r *TimerRegistry) claim(id string, gen uint64) bool {
	r.mu.Lock()
	existing, ok := r.timers[id]
	if !ok || existing.gen != gen {
		r.mu.Unlock()
		return false
	}
	delete(r.timers, id)
	count := len(r.timers)
	r.mu.Unlock()
	r.notify(count)
	return true
}

func (r *TimerRegistry) notify(count int) {
	if r.onChange != nil {
		r.onChange(count)
	}
}
