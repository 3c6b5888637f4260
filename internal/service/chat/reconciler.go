package chat

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// Result describes what a snapshot delivery changed.
type Result struct {
	// Applied is false when the delivery was ignored (wrong or unresolved key).
	Applied bool
	// New lists durable ids that appeared for the first time.
	New []string
}

// Reconciler merges authoritative snapshots for one conversation with the messages
// still pending locally. Confirmed messages are always sourced from the latest
// snapshot; pending ones survive until their own write resolves.
type Reconciler struct {
	mu       sync.Mutex
	key      chat.Key
	rendered []chat.Message
	arrival  map[string]uint64
	next     uint64
	known    map[string]struct{}
	seeded   bool
}

// NewReconciler returns a reconciler bound to key; a zero key ignores every delivery
// until Reset assigns one.
func NewReconciler(key chat.Key) *Reconciler {
	r := &Reconciler{}
	r.Reset(key)
	return r
}

// Reset drops all state and rebinds to key.
func (r *Reconciler) Reset(key chat.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = key
	r.rendered = nil
	r.arrival = make(map[string]uint64)
	r.known = make(map[string]struct{})
	r.next = 0
	r.seeded = false
}

// Key returns the conversation the reconciler accepts deliveries for.
func (r *Reconciler) Key() chat.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// Apply merges a snapshot delivered for key. Deliveries for another key, or before a
// key is assigned, leave the view untouched. The first accepted delivery seeds the set
// of known ids without reporting history as new.
func (r *Reconciler) Apply(key chat.Key, snapshot []chat.Message) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.key.IsZero() || key != r.key {
		if len(snapshot) > 0 {
			logger.Debug("[reconciler] dropping delivery for inactive key",
				zap.String("delivered", key.String()),
				zap.String("active", r.key.String()))
		}
		return Result{}
	}

	merged := make([]chat.Message, 0, len(r.rendered)+len(snapshot))
	for _, m := range r.rendered {
		if m.Pending() {
			merged = append(merged, m)
		}
	}

	var fresh []string
	seen := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.DeliveryState = chat.StateConfirmed
		merged = append(merged, m)

		if _, ok := r.known[m.ID]; !ok {
			r.known[m.ID] = struct{}{}
			if r.seeded {
				fresh = append(fresh, m.ID)
			}
		}
	}
	r.seeded = true

	r.rendered = merged
	r.sortLocked()
	r.pruneArrivalLocked()
	return Result{Applied: true, New: fresh}
}

// AddPending makes a locally created message visible immediately.
func (r *Reconciler) AddPending(m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.DeliveryState = chat.StatePending
	r.rendered = append(r.rendered, m)
	r.sortLocked()
}

// Confirm settles a pending message once its write succeeded. The entry takes the
// durable id and leaves the pending set, so the next snapshot becomes its only source.
// If a snapshot already delivered the durable twin, the pending entry is dropped instead.
func (r *Reconciler) Confirm(tempID, durableID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(tempID)
	if idx < 0 {
		return false
	}
	r.known[durableID] = struct{}{}

	if r.indexLocked(durableID) >= 0 {
		r.rendered = append(r.rendered[:idx], r.rendered[idx+1:]...)
		delete(r.arrival, tempID)
		return true
	}

	r.rendered[idx].ID = durableID
	r.rendered[idx].DeliveryState = chat.StateConfirmed
	if seq, ok := r.arrival[tempID]; ok {
		r.arrival[durableID] = seq
		delete(r.arrival, tempID)
	}
	r.sortLocked()
	return true
}

// Remove drops a pending message by the exact temporary id it was added with.
func (r *Reconciler) Remove(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(tempID)
	if idx < 0 {
		return false
	}
	r.rendered = append(r.rendered[:idx], r.rendered[idx+1:]...)
	delete(r.arrival, tempID)
	return true
}

// Fail records a subscription error; the last good view is kept.
func (r *Reconciler) Fail(err error) {
	logger.Warn("[reconciler] subscription error, keeping last view",
		zap.String("key", r.Key().String()),
		zap.Error(err))
}

// View returns a copy of the merged, ordered view.
func (r *Reconciler) View() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Message, len(r.rendered))
	copy(out, r.rendered)
	return out
}

// Pending returns the messages still awaiting their write.
func (r *Reconciler) Pending() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chat.Message
	for _, m := range r.rendered {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

func (r *Reconciler) indexLocked(id string) int {
	for i, m := range r.rendered {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// arrivalLocked returns the local arrival order of id, assigning one on first sight.
func (r *Reconciler) arrivalLocked(id string) uint64 {
	if seq, ok := r.arrival[id]; ok {
		return seq
	}
	r.next++
	r.arrival[id] = r.next
	return r.next
}

// sortLocked orders by createdAt, breaking ties by local arrival order.
func (r *Reconciler) sortLocked() {
	for _, m := range r.rendered {
		r.arrivalLocked(m.ID)
	}
	sort.SliceStable(r.rendered, func(i, j int) bool {
		a, b := r.rendered[i], r.rendered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return r.arrival[a.ID] < r.arrival[b.ID]
	})
}

func (r *Reconciler) pruneArrivalLocked() {
	if len(r.arrival) <= 2*len(r.rendered)+16 {
		return
	}
	live := make(map[string]uint64, len(r.rendered))
	for _, m := range r.rendered {
		live[m.ID] = r.arrival[m.ID]
	}
	r.arrival = live
}
