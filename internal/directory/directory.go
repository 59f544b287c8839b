// Package directory caches user lookups in front of the store.
//
// Every reminder fired resolves its owner, so a tick over many instances of
// the same user hits the cache instead of the database. Writes go through
// Put and Delete, which invalidate the cached entry.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// Backend is the authoritative user source.
type Backend interface {
	GetUser(ctx context.Context, userID string) (*reminder.User, error)
	PutUser(ctx context.Context, u *reminder.User) error
	DeleteUser(ctx context.Context, userID string) error
}

type Config struct {
	// TTL <= 0 disables caching.
	TTL             time.Duration
	CleanupInterval time.Duration
}

const (
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// Directory implements reminder.UserDirectory.
type Directory struct {
	next  Backend
	ttl   time.Duration
	cache *cache.Cache
	sf    singleflight.Group
	log   logx.Logger
}

func New(next Backend, cfg Config, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	d := &Directory{next: next, ttl: cfg.TTL, log: log}
	if cfg.TTL > 0 {
		d.cache = cache.New(cfg.TTL, cleanup)
	}
	return d
}

func (d *Directory) GetUser(ctx context.Context, userID string) (*reminder.User, error) {
	if d.cache == nil {
		return d.next.GetUser(ctx, userID)
	}
	if v, ok := d.cache.Get(userID); ok {
		return cloneUser(v.(*reminder.User)), nil
	}
	v, err, _ := d.sf.Do(userID, func() (interface{}, error) {
		u, err := d.next.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		d.cache.Set(userID, cloneUser(u), cache.DefaultExpiration)
		return u, nil
	})
	if err != nil {
		if !errors.Is(err, reminder.ErrNotFound) {
			d.log.Warn("user lookup failed", logx.String("user_id", userID), logx.Err(err))
		}
		return nil, err
	}
	return cloneUser(v.(*reminder.User)), nil
}

// Put writes u to the backend and drops the cached copy.
func (d *Directory) Put(ctx context.Context, u *reminder.User) error {
	if err := d.next.PutUser(ctx, u); err != nil {
		return err
	}
	d.Invalidate(u.ID)
	return nil
}

// Delete removes userID from the backend and drops the cached copy.
func (d *Directory) Delete(ctx context.Context, userID string) error {
	if err := d.next.DeleteUser(ctx, userID); err != nil {
		return err
	}
	d.Invalidate(userID)
	return nil
}

func (d *Directory) Invalidate(userID string) {
	if d.cache != nil {
		d.cache.Delete(userID)
	}
}

// Flush empties the cache.
func (d *Directory) Flush() {
	if d.cache != nil {
		d.cache.Flush()
	}
}

// Len is the number of cached entries, expired ones included until cleanup.
func (d *Directory) Len() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.ItemCount()
}

func cloneUser(u *reminder.User) *reminder.User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.Data != nil {
		cp.Data = make(map[string]any, len(u.Data))
		for k, v := range u.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
