package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

type backend struct {
	mu    sync.Mutex
	users map[string]*reminder.User
	gets  atomic.Int32
	delay time.Duration
	err   error
}

func (b *backend) GetUser(_ context.Context, id string) (*reminder.User, error) {
	b.gets.Add(1)
	time.Sleep(b.delay)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	u, ok := b.users[id]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (b *backend) PutUser(_ context.Context, u *reminder.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *u
	b.users[u.ID] = &cp
	return nil
}

func (b *backend) DeleteUser(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[id]; !ok {
		return reminder.ErrNotFound
	}
	delete(b.users, id)
	return nil
}

func newBackend() *backend {
	return &backend{users: map[string]*reminder.User{
		"u1": {ID: "u1", TimeZone: "Asia/Jakarta", Data: map[string]any{"lang": "id"}},
	}}
}

func TestCachesHits(t *testing.T) {
	b := newBackend()
	d := New(b, Config{TTL: time.Minute}, logx.Nop())

	for i := 0; i < 3; i++ {
		u, err := d.GetUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "Asia/Jakarta", u.TimeZone)
	}
	assert.EqualValues(t, 1, b.gets.Load())
	assert.Equal(t, 1, d.Len())
}

func TestReturnedUserIsACopy(t *testing.T) {
	d := New(newBackend(), Config{TTL: time.Minute}, logx.Nop())
	u, err := d.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	u.Data["lang"] = "en"
	u.TimeZone = "UTC"

	again, err := d.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "id", again.Data["lang"])
	assert.Equal(t, "Asia/Jakarta", again.TimeZone)
}

func TestMissesAreNotCached(t *testing.T) {
	b := newBackend()
	d := New(b, Config{TTL: time.Minute}, logx.Nop())

	_, err := d.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, reminder.ErrNotFound)
	require.NoError(t, d.Put(context.Background(), &reminder.User{ID: "ghost"}))
	u, err := d.GetUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", u.ID)
}

func TestPutInvalidates(t *testing.T) {
	b := newBackend()
	d := New(b, Config{TTL: time.Minute}, logx.Nop())
	_, err := d.GetUser(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, d.Put(context.Background(), &reminder.User{ID: "u1", TimeZone: "Europe/Berlin"}))
	u, err := d.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", u.TimeZone)
	assert.EqualValues(t, 2, b.gets.Load())
}

func TestConcurrentMissesCollapse(t *testing.T) {
	b := newBackend()
	b.delay = 50 * time.Millisecond
	d := New(b, Config{TTL: time.Minute}, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.GetUser(context.Background(), "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, b.gets.Load(), int32(2))
}

func TestDisabledCachePassesThrough(t *testing.T) {
	b := newBackend()
	d := New(b, Config{}, logx.Nop())
	_, _ = d.GetUser(context.Background(), "u1")
	_, _ = d.GetUser(context.Background(), "u1")
	assert.EqualValues(t, 2, b.gets.Load())
	assert.Zero(t, d.Len())

	b.err = errors.New("db gone")
	_, err := d.GetUser(context.Background(), "u1")
	assert.EqualError(t, err, "db gone")
}

func TestDeleteDropsCachedUser(t *testing.T) {
	ctx := context.Background()
	d := New(newBackend(), Config{TTL: time.Minute}, logx.Nop())
	_, err := d.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, d.Len())

	require.NoError(t, d.Delete(ctx, "u1"))
	assert.Zero(t, d.Len())
	_, err = d.GetUser(ctx, "u1")
	require.ErrorIs(t, err, reminder.ErrNotFound)
	require.ErrorIs(t, d.Delete(ctx, "u1"), reminder.ErrNotFound)
}
