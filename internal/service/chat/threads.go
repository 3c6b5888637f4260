package chat

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

type threadState struct {
	thread chat.ConversationThread
	read   map[string]struct{}
	unread map[string]struct{}
	live   map[string]struct{}
}

// ThreadAggregator folds the unfiltered message stream into one thread per conversation.
// Thread state survives between updates so the last-message fields only ever move forward
// and read markers are kept until the stream stops carrying those messages.
type ThreadAggregator struct {
	mu      sync.Mutex
	threads map[chat.Key]*threadState
	active  chat.Key
}

func NewThreadAggregator() *ThreadAggregator {
	return &ThreadAggregator{threads: make(map[chat.Key]*threadState)}
}

// Update folds a full delivery of the raw stream and returns the threads newest first.
func (a *ThreadAggregator) Update(stream []chat.Message) []chat.ConversationThread {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, st := range a.threads {
		st.unread = make(map[string]struct{})
		st.live = make(map[string]struct{})
	}

	skipped := 0
	for _, m := range stream {
		key, ok := m.Key()
		if !ok {
			skipped++
			continue
		}
		st := a.threads[key]
		if st == nil {
			st = &threadState{
				thread: chat.ConversationThread{Key: key},
				read:   make(map[string]struct{}),
				unread: make(map[string]struct{}),
				live:   make(map[string]struct{}),
			}
			a.threads[key] = st
		}
		st.fold(m, key == a.active)
	}
	for _, st := range a.threads {
		for id := range st.read {
			if _, ok := st.live[id]; !ok {
				delete(st.read, id)
			}
		}
	}
	if skipped > 0 {
		logger.Debug("[threads] skipped unaddressable messages",
			zap.Int("count", skipped),
			zap.Error(ErrMalformedMessage))
	}

	return a.listLocked()
}

func (st *threadState) fold(m chat.Message, active bool) {
	t := &st.thread
	if m.UserID != "" {
		t.UserID = m.UserID
	}
	if m.Email != "" {
		t.Email = m.Email
	}
	if m.Name != "" && (t.DisplayName == "" || m.SenderRole == chat.RoleCustomer) {
		t.DisplayName = m.Name
	}
	if t.LastMessageTime.IsZero() || m.CreatedAt.After(t.LastMessageTime) {
		t.LastMessageText = m.Body
		t.LastMessageTime = m.CreatedAt
	}

	if m.SenderRole != chat.RoleCustomer || m.ID == "" {
		return
	}
	st.live[m.ID] = struct{}{}
	if active {
		st.read[m.ID] = struct{}{}
	}
	if _, ok := st.read[m.ID]; !ok {
		st.unread[m.ID] = struct{}{}
	}
}

// MarkRead clears the unread count of key.
func (a *ThreadAggregator) MarkRead(key chat.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReadLocked(key)
}

func (a *ThreadAggregator) markReadLocked(key chat.Key) {
	st := a.threads[key]
	if st == nil {
		return
	}
	for id := range st.unread {
		st.read[id] = struct{}{}
	}
	st.unread = make(map[string]struct{})
}

// SetActive makes key the thread open in the console. It is marked read, and customer
// messages arriving for it while active are read on arrival.
func (a *ThreadAggregator) SetActive(key chat.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = key
	a.markReadLocked(key)
}

// ClearActive closes the open thread.
func (a *ThreadAggregator) ClearActive() {
	a.mu.Lock()
	a.active = chat.Key{}
	a.mu.Unlock()
}

// Active returns the open thread's key.
func (a *ThreadAggregator) Active() chat.Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Thread returns the current summary for key.
func (a *ThreadAggregator) Thread(key chat.Key) (chat.ConversationThread, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.threads[key]
	if st == nil {
		return chat.ConversationThread{}, false
	}
	return st.snapshot(), true
}

// Threads returns every thread newest first.
func (a *ThreadAggregator) Threads() []chat.ConversationThread {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listLocked()
}

func (st *threadState) snapshot() chat.ConversationThread {
	t := st.thread
	t.UnreadCount = len(st.unread)
	if t.DisplayName == "" {
		t.DisplayName = t.Key.Value
	}
	t.AvatarSeed = t.DisplayName
	return t
}

func (a *ThreadAggregator) listLocked() []chat.ConversationThread {
	out := make([]chat.ConversationThread, 0, len(a.threads))
	for _, st := range a.threads {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Search keeps the threads whose display name or email contains q, ignoring case.
// An empty query keeps everything.
func Search(threads []chat.ConversationThread, q string) []chat.ConversationThread {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return threads
	}
	var out []chat.ConversationThread
	for _, t := range threads {
		if strings.Contains(strings.ToLower(t.DisplayName), q) ||
			strings.Contains(strings.ToLower(t.Email), q) {
			out = append(out, t)
		}
	}
	return out
}
