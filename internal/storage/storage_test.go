package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "memory"}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "remindd.db")
			st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func newInstance(id, defID, caseID string, next time.Time) *reminder.Instance {
	return &reminder.Instance{
		ID:           id,
		Domain:       "clinic",
		CaseID:       caseID,
		DefinitionID: defID,
		UserID:       "u1",
		Method:       reminder.MethodSMS,
		NextFire:     next,
		Active:       true,
		Language:     "en",
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Iteration:    1,
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "bogus"}, logx.Nop())
	require.Error(t, err)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestDefinitions(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		def := &reminder.Definition{
			ID: "anc", Domain: "clinic", CaseType: "pregnancy", StartCondition: "edd",
			DefaultLanguage: "en", Method: reminder.MethodSMS, MaxIterationCount: 2,
			Events: []reminder.Event{{
				TimeOfDay:                reminder.Clock{Hour: 9},
				Messages:                 map[string]string{"en": "hi"},
				CallbackTimeoutIntervals: []int{10},
			}},
		}
		require.NoError(t, st.PutDefinition(ctx, def))
		require.NoError(t, st.PutDefinition(ctx, &reminder.Definition{ID: "other", Domain: "elsewhere"}))

		got, err := st.GetDefinition(ctx, "anc")
		require.NoError(t, err)
		assert.Equal(t, reminder.Clock{Hour: 9}, got.Events[0].TimeOfDay)
		assert.Equal(t, []int{10}, got.Events[0].CallbackTimeoutIntervals)

		list, err := st.ListDefinitions(ctx, reminder.DefinitionFilter{Domain: "clinic", CaseType: "pregnancy"})
		require.NoError(t, err)
		require.Len(t, list, 1)

		def.Retired = true
		require.NoError(t, st.PutDefinition(ctx, def))
		list, err = st.ListDefinitions(ctx, reminder.DefinitionFilter{Domain: "clinic"})
		require.NoError(t, err)
		assert.Empty(t, list)
		list, err = st.ListDefinitions(ctx, reminder.DefinitionFilter{Domain: "clinic", IncludeRetired: true})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = st.GetDefinition(ctx, "missing")
		assert.True(t, errors.Is(err, reminder.ErrNotFound))
	})
}

func TestInstanceUniqueness(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateInstance(ctx, newInstance("i1", "d1", "c1", t0)))

		err := st.CreateInstance(ctx, newInstance("i2", "d1", "c1", t0))
		require.ErrorIs(t, err, reminder.ErrExists)

		got, err := st.FindInstance(ctx, "clinic", "d1", "c1")
		require.NoError(t, err)
		got.Retire()
		require.NoError(t, st.UpdateInstance(ctx, got))

		_, err = st.FindInstance(ctx, "clinic", "d1", "c1")
		require.ErrorIs(t, err, reminder.ErrNotFound)

		// a retired instance frees the pair
		require.NoError(t, st.CreateInstance(ctx, newInstance("i2", "d1", "c1", t0)))
	})
}

func TestConcurrentCreateKeepsOneInstance(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				inst := newInstance("i-"+string(rune('a'+i)), "d1", "c1", t0)
				if err := st.CreateInstance(ctx, inst); err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, reminder.ErrExists)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}

func TestUpdateInstanceVersionGuard(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inst := newInstance("i1", "d1", "c1", t0)
		require.NoError(t, st.CreateInstance(ctx, inst))
		assert.Equal(t, int64(1), inst.Version)

		a, err := st.GetInstance(ctx, "i1")
		require.NoError(t, err)
		b, err := st.GetInstance(ctx, "i1")
		require.NoError(t, err)

		a.CallbackTryCount = 1
		a.LastFired = t0
		require.NoError(t, st.UpdateInstance(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		b.EventIndex = 1
		require.ErrorIs(t, st.UpdateInstance(ctx, b), reminder.ErrConflict)

		got, err := st.GetInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.CallbackTryCount)
		assert.Equal(t, 0, got.EventIndex)
		assert.True(t, got.LastFired.Equal(t0))
	})
}

func TestRetiredIsMonotonic(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inst := newInstance("i1", "d1", "c1", t0)
		require.NoError(t, st.CreateInstance(ctx, inst))
		inst.Retire()
		require.NoError(t, st.UpdateInstance(ctx, inst))

		inst.Retired = false
		inst.Active = true
		require.ErrorIs(t, st.UpdateInstance(ctx, inst), reminder.ErrConflict)
	})
}

func TestDueInstances(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		due1 := newInstance("a", "d1", "c1", t0.Add(-time.Hour))
		due2 := newInstance("b", "d1", "c2", t0)
		later := newInstance("c", "d1", "c3", t0.Add(time.Minute))
		paused := newInstance("d", "d1", "c4", t0.Add(-time.Hour))
		paused.Active = false
		foreign := newInstance("e", "d1", "c5", t0.Add(-time.Hour))
		foreign.Domain = "other"
		for _, inst := range []*reminder.Instance{due1, due2, later, paused, foreign} {
			require.NoError(t, st.CreateInstance(ctx, inst))
		}

		got, err := st.DueInstances(ctx, reminder.DueQuery{Domain: "clinic", Before: t0})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)

		all, err := st.DueInstances(ctx, reminder.DueQuery{Before: t0})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := st.DueInstances(ctx, reminder.DueQuery{Before: t0, Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "a", limited[0].ID)

		next, err := st.DueInstances(ctx, reminder.DueQuery{
			Before: t0, Limit: 1,
			After: reminder.DueCursor{NextFire: limited[0].NextFire, ID: limited[0].ID},
		})
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "e", next[0].ID, "same next_fire orders by id")

		rest, err := st.DueInstances(ctx, reminder.DueQuery{
			Before: t0,
			After:  reminder.DueCursor{NextFire: next[0].NextFire, ID: next[0].ID},
		})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "b", rest[0].ID)
	})
}

func TestCasesUsersAcks(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.PutCase(ctx, &reminder.Case{
			ID: "c1", Domain: "clinic", Type: "pregnancy", OwnerID: "u1",
			Properties: map[string]any{"name": "Amina"},
		}))
		require.NoError(t, st.PutCase(ctx, &reminder.Case{ID: "c2", Domain: "clinic", Type: "pregnancy", Closed: true}))

		c, err := st.GetCase(ctx, "clinic", "c1")
		require.NoError(t, err)
		assert.Equal(t, "Amina", c.Property("name"))

		open, err := st.OpenCases(ctx, "clinic", "pregnancy")
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "c1", open[0].ID)

		require.NoError(t, st.PutUser(ctx, &reminder.User{
			ID: "u1", TimeZone: "Africa/Nairobi", PhoneNumber: "+254700000000",
			Data: map[string]any{"lang": "sw"},
		}))
		u, err := st.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "sw", u.Data["lang"])
		_, err = st.GetUser(ctx, "ghost")
		require.ErrorIs(t, err, reminder.ErrNotFound)

		require.NoError(t, st.RecordAck(ctx, reminder.Ack{ID: "k1", UserID: "u1", At: t0.Add(5 * time.Minute)}))
		ok, err := st.AckedBetween(ctx, "u1", t0, t0.Add(10*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.AckedBetween(ctx, "u1", t0.Add(5*time.Minute), t0.Add(10*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "window start is exclusive")
	})
}

func TestCasesOwnedByAndDeleteUser(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, c := range []*reminder.Case{
			{ID: "c1", Domain: "clinic", Type: "pregnancy", OwnerID: "u1"},
			{ID: "c2", Domain: "ward", Type: "child", OwnerID: "u1"},
			{ID: "c3", Domain: "clinic", Type: "pregnancy", OwnerID: "u1", Closed: true},
			{ID: "c4", Domain: "clinic", Type: "pregnancy", OwnerID: "u2"},
		} {
			require.NoError(t, st.PutCase(ctx, c))
		}
		owned, err := st.CasesOwnedBy(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, "c1", owned[0].ID)
		assert.Equal(t, "c2", owned[1].ID)

		require.NoError(t, st.PutUser(ctx, &reminder.User{ID: "u1", TimeZone: "UTC"}))
		require.NoError(t, st.DeleteUser(ctx, "u1"))
		_, err = st.GetUser(ctx, "u1")
		require.ErrorIs(t, err, reminder.ErrNotFound)
		require.ErrorIs(t, st.DeleteUser(ctx, "u1"), reminder.ErrNotFound)
	})
}

func TestDeliveries(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, ok := range []bool{true, false, true} {
			require.NoError(t, st.AppendDelivery(ctx, reminder.Delivery{
				ID: "d" + string(rune('0'+i)), At: t0.Add(time.Duration(i) * time.Minute),
				InstanceID: "i1", Method: reminder.MethodSMS, OK: ok,
			}))
		}
		got, err := st.RecentDeliveries(ctx, "i1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "d2", got[0].ID)
		assert.False(t, got[1].OK)
	})
}
