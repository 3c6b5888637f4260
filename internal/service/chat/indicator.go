package chat

import (
	"sync"
	"time"
)

// DefaultNewMessageTTL is how long a freshly arrived message stays highlighted.
const DefaultNewMessageTTL = 2 * time.Second

// Timer is the part of *time.Timer the indicator needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Indicator keeps the transient "new" marker of freshly arrived messages. Each id is
// marked at most once and decays on its own timer.
type Indicator struct {
	ttl      time.Duration
	after    AfterFunc
	onChange func(id string, isNew bool)

	mu     sync.Mutex
	flags  map[string]struct{}
	timers map[string]Timer
	seen   map[string]struct{}
	closed bool
}

// NewIndicator builds an indicator. A non-positive ttl selects DefaultNewMessageTTL;
// after and onChange may be nil.
func NewIndicator(ttl time.Duration, after AfterFunc, onChange func(id string, isNew bool)) *Indicator {
	if ttl <= 0 {
		ttl = DefaultNewMessageTTL
	}
	if after == nil {
		after = realAfterFunc
	}
	return &Indicator{
		ttl:      ttl,
		after:    after,
		onChange: onChange,
		flags:    make(map[string]struct{}),
		timers:   make(map[string]Timer),
		seen:     make(map[string]struct{}),
	}
}

// Mark flags ids as new and arms one decay timer per id. Ids marked before are ignored.
func (ind *Indicator) Mark(ids ...string) {
	var marked []string

	ind.mu.Lock()
	if ind.closed {
		ind.mu.Unlock()
		return
	}
	for _, id := range ids {
		if _, ok := ind.seen[id]; ok {
			continue
		}
		ind.seen[id] = struct{}{}
		ind.flags[id] = struct{}{}
		id := id
		ind.timers[id] = ind.after(ind.ttl, func() { ind.expire(id) })
		marked = append(marked, id)
	}
	ind.mu.Unlock()

	if ind.onChange != nil {
		for _, id := range marked {
			ind.onChange(id, true)
		}
	}
}

func (ind *Indicator) expire(id string) {
	ind.mu.Lock()
	if ind.closed {
		ind.mu.Unlock()
		return
	}
	_, wasNew := ind.flags[id]
	delete(ind.flags, id)
	delete(ind.timers, id)
	ind.mu.Unlock()

	if wasNew && ind.onChange != nil {
		ind.onChange(id, false)
	}
}

// IsNew reports whether id is still highlighted.
func (ind *Indicator) IsNew(id string) bool {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	_, ok := ind.flags[id]
	return ok
}

// Close cancels every pending timer. Timers that already fired become no-ops.
func (ind *Indicator) Close() {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	if ind.closed {
		return
	}
	ind.closed = true
	for id, t := range ind.timers {
		t.Stop()
		delete(ind.timers, id)
	}
	ind.flags = make(map[string]struct{})
}
