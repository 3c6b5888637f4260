package profile

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

var (
	ErrIDRequired  = errors.New("profile id is required")
	ErrUnavailable = errors.New("profile directory unavailable")
)

// Directory looks up and stores customer contact cards keyed by user id or email.
type Directory interface {
	LookupProfile(ctx context.Context, id string) (chat.Profile, bool, error)
	SaveProfile(ctx context.Context, id string, p chat.Profile) error
}

// MemoryDirectory implements Directory with an in-process map.
type MemoryDirectory struct {
	mu    sync.RWMutex
	items map[string]chat.Profile
}

// NewMemoryDirectory returns a directory preloaded with the supplied profiles.
func NewMemoryDirectory(seed map[string]chat.Profile) *MemoryDirectory {
	items := make(map[string]chat.Profile, len(seed))
	for id, p := range seed {
		items[id] = p
	}
	return &MemoryDirectory{items: items}
}

// LookupProfile returns the stored profile for id.
func (d *MemoryDirectory) LookupProfile(_ context.Context, id string) (chat.Profile, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Profile{}, false, ErrIDRequired
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.items[id]
	return p, ok, nil
}

// SaveProfile replaces the profile stored under id.
func (d *MemoryDirectory) SaveProfile(_ context.Context, id string, p chat.Profile) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrIDRequired
	}
	d.mu.Lock()
	d.items[id] = p
	d.mu.Unlock()
	return nil
}

// RedisConfig describes the redis connection backing RedisDirectory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisDirectory stores profiles as redis hashes under "profile:<id>".
type RedisDirectory struct {
	rdb *redis.Client
}

// NewRedisDirectory connects and pings the configured redis instance.
func NewRedisDirectory(ctx context.Context, cfg RedisConfig) (*RedisDirectory, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	return &RedisDirectory{rdb: rdb}, nil
}

func profileKey(id string) string { return "profile:" + id }

// LookupProfile reads the hash for id; a missing hash is not an error.
func (d *RedisDirectory) LookupProfile(ctx context.Context, id string) (chat.Profile, bool, error) {
	if d == nil || d.rdb == nil {
		return chat.Profile{}, false, ErrUnavailable
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Profile{}, false, ErrIDRequired
	}

	fields, err := d.rdb.HGetAll(ctx, profileKey(id)).Result()
	if err != nil {
		return chat.Profile{}, false, errors.Wrapf(err, "lookup profile %s", id)
	}
	if len(fields) == 0 {
		return chat.Profile{}, false, nil
	}
	return chat.Profile{
		UserID: fields["userId"],
		Name:   fields["name"],
		Email:  fields["email"],
	}, true, nil
}

// SaveProfile writes the hash for id.
func (d *RedisDirectory) SaveProfile(ctx context.Context, id string, p chat.Profile) error {
	if d == nil || d.rdb == nil {
		return ErrUnavailable
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrIDRequired
	}
	err := d.rdb.HSet(ctx, profileKey(id), map[string]any{
		"userId": p.UserID,
		"name":   p.Name,
		"email":  p.Email,
	}).Err()
	return errors.Wrapf(err, "save profile %s", id)
}

// Close releases the redis connection pool.
func (d *RedisDirectory) Close() error {
	if d == nil || d.rdb == nil {
		return nil
	}
	return d.rdb.Close()
}
