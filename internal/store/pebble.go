package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/metrics"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

const msgPrefix = "msg/"

// PebbleStore persists the message collection in a pebble database. Keys sort by
// createdAt and then by a write sequence, so a prefix scan yields createdAt order.
type PebbleStore struct {
	opts options
	hub  *hub
	db   *pebble.DB
	seq  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// OpenPebble opens or creates the database at path.
func OpenPebble(path string, opts ...Option) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("[store] pebble open failed", zap.String("path", path), zap.Error(err))
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}

	s := &PebbleStore{opts: buildOptions(opts), db: db}
	last, err := s.lastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.seq.Store(last)
	s.hub = newHub(s.Snapshot)
	return s, nil
}

func msgKey(m chat.Message, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d/%s", msgPrefix, m.CreatedAt.UnixNano(), seq, m.ID))
}

func parseSeq(key []byte) (uint64, error) {
	parts := strings.SplitN(strings.TrimPrefix(string(key), msgPrefix), "/", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed message key %q", key)
	}
	return strconv.ParseUint(parts[1], 10, 64)
}

// lastSeq scans for the largest write sequence so restarts keep keys unique.
func (s *PebbleStore) lastSeq() (uint64, error) {
	iter, err := s.db.NewIter(prefixOptions())
	if err != nil {
		return 0, errors.Wrap(err, "open iterator")
	}
	defer iter.Close()

	var max uint64
	for iter.First(); iter.Valid(); iter.Next() {
		seq, perr := parseSeq(iter.Key())
		if perr != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, iter.Error()
}

func prefixOptions() *pebble.IterOptions {
	upper := []byte(msgPrefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(msgPrefix), UpperBound: upper}
}

// Create persists a message with fsync and returns its durable id.
func (s *PebbleStore) Create(ctx context.Context, m chat.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, err := prepare(m, s.opts.now())
	if err != nil {
		metrics.WriteFailures.Inc()
		return "", err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		metrics.WriteFailures.Inc()
		return "", errors.Wrap(err, "marshal message")
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		metrics.WriteFailures.Inc()
		return "", ErrClosed
	}
	err = s.db.Set(msgKey(stored, s.seq.Add(1)), data, pebble.Sync)
	s.mu.RUnlock()
	if err != nil {
		metrics.WriteFailures.Inc()
		return "", errors.Wrap(err, "write message")
	}

	afterWrite(ctx, s.opts, s.hub, stored)
	return stored.ID, nil
}

// Snapshot scans the collection in createdAt order and keeps the matching documents.
func (s *PebbleStore) Snapshot(ctx context.Context, filter chat.Filter) ([]chat.Message, error) {
	if err := checkQuery(filter, ""); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(prefixOptions())
	if err != nil {
		return nil, errors.Wrap(err, "open iterator")
	}
	defer iter.Close()

	out := make([]chat.Message, 0, 32)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(iter.Key(), []byte(msgPrefix)) {
			break
		}
		var m chat.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("[store] skipping undecodable message", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "scan messages")
	}
	return out, nil
}

// Subscribe opens a push subscription; the first delivery is the current result set.
func (s *PebbleStore) Subscribe(ctx context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error) {
	if err := checkQuery(filter, orderBy); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, filter, l)
}

// Close ends every subscription and closes the database.
func (s *PebbleStore) Close() error {
	s.hub.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
