package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func oneEvent(clock Clock, intervals ...int) []Event {
	return []Event{{TimeOfDay: clock, Messages: map[string]string{"en": "hi"}, CallbackTimeoutIntervals: intervals}}
}

func TestSpawnStartOffset(t *testing.T) {
	def := &Definition{
		ID: "d", Domain: "clinic", DefaultLanguage: "en", Method: MethodSMS,
		StartOffsetDays: 3, MaxIterationCount: 1,
		Events: oneEvent(Clock{Hour: 9}),
	}
	owner := &User{ID: "u1", TimeZone: "Asia/Jakarta"}
	// 10:00 local on 2024-01-01
	trigger := at(2024, 1, 1, 3, 0)

	inst, err := def.Spawn(&Case{ID: "c1"}, owner, trigger)
	require.NoError(t, err)

	assert.Equal(t, at(2024, 1, 1, 0, 0), inst.StartDate)
	assert.Equal(t, at(2024, 1, 4, 2, 0), inst.NextFire, "09:00 Jakarta is 02:00 UTC")
	assert.Equal(t, 1, inst.Iteration)
	assert.Equal(t, 0, inst.EventIndex)
	assert.True(t, inst.Active)
	assert.NotEmpty(t, inst.ID)
}

func TestSpawnUsesLocalDate(t *testing.T) {
	def := &Definition{ID: "d", DefaultLanguage: "en", MaxIterationCount: 1, Events: oneEvent(Clock{Hour: 9})}
	// 23:30 UTC on Dec 31 is already Jan 1 in Jakarta
	inst, err := def.Spawn(&Case{ID: "c1"}, &User{ID: "u1", TimeZone: "Asia/Jakarta"}, at(2023, 12, 31, 23, 30))
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 1, 0, 0), inst.StartDate)
}

func TestSpawnRequiresEvents(t *testing.T) {
	_, err := (&Definition{ID: "d"}).Spawn(&Case{ID: "c1"}, &User{ID: "u1"}, at(2024, 1, 1, 0, 0))
	require.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestAdvanceEventIterationBound(t *testing.T) {
	def := &Definition{
		MaxIterationCount: 3,
		Events:            []Event{{Messages: map[string]string{"en": "a"}}, {Messages: map[string]string{"en": "b"}}},
	}
	inst := &Instance{Iteration: 1, Active: true, CallbackTryCount: 1, CallbackReceived: true}

	steps := 0
	for inst.Active {
		require.LessOrEqual(t, inst.Iteration, def.MaxIterationCount)
		def.AdvanceEvent(inst)
		steps++
		assert.Zero(t, inst.CallbackTryCount)
		assert.False(t, inst.CallbackReceived)
		require.Less(t, steps, 100)
	}
	assert.Equal(t, 6, steps, "two events times three iterations")
	assert.Equal(t, 4, inst.Iteration)
	assert.Equal(t, 0, inst.EventIndex)
}

func TestComputeNextFireCallbackRetries(t *testing.T) {
	def := &Definition{
		Method: MethodCallback, MaxIterationCount: 2, CadenceLengthDays: 1,
		Events: oneEvent(Clock{Hour: 9}, 10, 30),
	}
	t0 := at(2024, 1, 1, 9, 0)
	inst := &Instance{Method: MethodCallback, Active: true, Iteration: 1, StartDate: at(2024, 1, 1, 0, 0), NextFire: t0}

	def.ComputeNextFire(inst, "UTC", t0)
	assert.Equal(t, t0.Add(10*time.Minute), inst.NextFire)
	assert.Equal(t, 1, inst.CallbackTryCount)

	def.ComputeNextFire(inst, "UTC", inst.NextFire)
	assert.Equal(t, t0.Add(40*time.Minute), inst.NextFire)
	assert.Equal(t, 2, inst.CallbackTryCount)

	// intervals exhausted: the next pass moves on to the next event
	def.ComputeNextFire(inst, "UTC", inst.NextFire)
	assert.Equal(t, 0, inst.CallbackTryCount)
	assert.Equal(t, 2, inst.Iteration)
	assert.Equal(t, at(2024, 1, 2, 9, 0), inst.NextFire)
}

func TestComputeNextFireAckedAdvancesEvent(t *testing.T) {
	def := &Definition{Method: MethodCallback, MaxIterationCount: 2, CadenceLengthDays: 7, Events: oneEvent(Clock{Hour: 9}, 10, 30)}
	t0 := at(2024, 1, 1, 9, 0)
	inst := &Instance{
		Method: MethodCallback, Active: true, Iteration: 1, StartDate: at(2024, 1, 1, 0, 0),
		NextFire: t0.Add(10 * time.Minute), CallbackTryCount: 1, CallbackReceived: true,
	}
	def.ComputeNextFire(inst, "UTC", t0.Add(10*time.Minute))
	assert.Equal(t, at(2024, 1, 8, 9, 0), inst.NextFire)
	assert.False(t, inst.CallbackReceived)
	assert.Zero(t, inst.CallbackTryCount)
}

func TestComputeNextFireIgnoresIntervalsForPlainSMS(t *testing.T) {
	def := &Definition{Method: MethodSMS, MaxIterationCount: 2, CadenceLengthDays: 1, Events: oneEvent(Clock{Hour: 9}, 10)}
	t0 := at(2024, 1, 1, 9, 0)
	inst := &Instance{Method: MethodSMS, Active: true, Iteration: 1, StartDate: at(2024, 1, 1, 0, 0), NextFire: t0}
	def.ComputeNextFire(inst, "UTC", t0)
	assert.Equal(t, at(2024, 1, 2, 9, 0), inst.NextFire)
	assert.Zero(t, inst.CallbackTryCount)
}

// A dormant instance skips the events it missed and lands on the first one
// still in the future; only the event that was due fires.
func TestComputeNextFireSkipsMissedEvents(t *testing.T) {
	def := &Definition{
		Method: MethodSMS, MaxIterationCount: 2, CadenceLengthDays: 7,
		Events: []Event{
			{DayOffset: 0, TimeOfDay: Clock{Hour: 9}, Messages: map[string]string{"en": "day 0"}},
			{DayOffset: 1, TimeOfDay: Clock{Hour: 9}, Messages: map[string]string{"en": "day 1"}},
			{DayOffset: 2, TimeOfDay: Clock{Hour: 9}, Messages: map[string]string{"en": "day 2"}},
		},
	}
	inst := &Instance{Method: MethodSMS, Active: true, Iteration: 1, StartDate: at(2024, 1, 1, 0, 0), NextFire: at(2024, 1, 1, 9, 0)}

	def.ComputeNextFire(inst, "UTC", at(2024, 1, 3, 12, 0))

	assert.Equal(t, 2, inst.Iteration)
	assert.Equal(t, 0, inst.EventIndex)
	assert.Equal(t, at(2024, 1, 8, 9, 0), inst.NextFire)
}

func TestComputeNextFireExhausts(t *testing.T) {
	def := &Definition{Method: MethodSMS, MaxIterationCount: 1, Events: oneEvent(Clock{Hour: 9})}
	t0 := at(2024, 1, 1, 9, 0)
	inst := &Instance{Method: MethodSMS, Active: true, Iteration: 1, StartDate: at(2024, 1, 1, 0, 0), NextFire: t0}
	def.ComputeNextFire(inst, "UTC", t0)
	assert.False(t, inst.Active)
	assert.True(t, inst.Exhausted(def))
	assert.Equal(t, t0, inst.NextFire)
}

func TestComputeNextFireIsMonotonic(t *testing.T) {
	def := &Definition{
		Method: MethodCallback, MaxIterationCount: 5, CadenceLengthDays: 3,
		Events: []Event{
			{DayOffset: 0, TimeOfDay: Clock{Hour: 8}, Messages: map[string]string{"en": "a"}, CallbackTimeoutIntervals: []int{15, 15}},
			{DayOffset: 1, TimeOfDay: Clock{Hour: 20}, Messages: map[string]string{"en": "b"}},
		},
	}
	inst := &Instance{Method: MethodCallback, Active: true, Iteration: 1, StartDate: at(2024, 3, 1, 0, 0)}
	inst.NextFire = def.ScheduledAt(inst, "Europe/Berlin")

	prev := inst.NextFire
	for inst.Active {
		def.ComputeNextFire(inst, "Europe/Berlin", inst.NextFire)
		if !inst.Active {
			break
		}
		require.True(t, inst.NextFire.After(prev), "next fire must move forward")
		require.LessOrEqual(t, inst.CallbackTryCount, len(def.Events[inst.EventIndex].CallbackTimeoutIntervals))
		prev = inst.NextFire
	}
	assert.Equal(t, 6, inst.Iteration)
}

func TestValidate(t *testing.T) {
	valid := func() *Definition {
		return &Definition{
			ID: "anc", Domain: "clinic", StartCondition: "edd", DefaultLanguage: "en",
			Method: MethodSMS, MaxIterationCount: 1, Events: oneEvent(Clock{Hour: 9}),
		}
	}
	tests := []struct {
		name   string
		mutate func(d *Definition)
		ok     bool
	}{
		{name: "valid", mutate: func(d *Definition) {}, ok: true},
		{name: "no events", mutate: func(d *Definition) { d.Events = nil }},
		{name: "negative iterations", mutate: func(d *Definition) { d.MaxIterationCount = -1 }},
		{name: "unknown method", mutate: func(d *Definition) { d.Method = "fax" }},
		{name: "missing start", mutate: func(d *Definition) { d.StartCondition = "" }},
		{name: "missing domain", mutate: func(d *Definition) { d.Domain = "" }},
		{name: "no default language message", mutate: func(d *Definition) { d.Events[0].Messages = map[string]string{"fr": "salut"} }},
		{name: "negative interval", mutate: func(d *Definition) { d.Events[0].CallbackTimeoutIntervals = []int{-5} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := d.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	d := &Definition{ID: " anc ", Method: " CALLBACK "}
	d.Normalize()
	assert.Equal(t, "anc", d.ID)
	assert.Equal(t, MethodCallback, d.Method)
	assert.Equal(t, "en", d.DefaultLanguage)
	assert.Equal(t, 1, d.MaxIterationCount)

	d = &Definition{}
	d.Normalize()
	assert.Equal(t, MethodSMS, d.Method)
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 9, Minute: 30}, c)
	assert.Equal(t, "09:30", c.String())

	c, err = ParseClock("23:59:59")
	require.NoError(t, err)
	assert.Equal(t, "23:59:59", c.String())

	for _, bad := range []string{"", "9", "24:00", "12:60", "aa:bb", "1:2:3:4"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestConditionReached(t *testing.T) {
	now := at(2024, 1, 10, 12, 0)
	c := &Case{ID: "c1", Properties: map[string]any{
		"ok_lower": "ok",
		"ok_upper": " OK ",
		"future":   "2024-01-11",
		"past":     "2024-01-09T08:00:00",
		"same":     now,
		"other":    "yes",
		"number":   7,
	}}
	tests := []struct {
		prop string
		want bool
	}{
		{"ok_lower", true},
		{"ok_upper", true},
		{"future", true},
		{"past", false},
		{"same", false},
		{"other", false},
		{"number", false},
		{"absent", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.prop, func(t *testing.T) {
			assert.Equal(t, tt.want, ConditionReached(c, tt.prop, now))
		})
	}
}

func TestStartTrigger(t *testing.T) {
	now := at(2024, 1, 10, 14, 30)
	c := &Case{ID: "c1", Properties: map[string]any{
		"date":     "2024-01-05",
		"datetime": "2024-01-05T07:15:00",
		"ok":       "ok",
		"garbage":  "2024-13-45",
		"no":       "no",
	}}

	got, ok, err := startTrigger(c, "date", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(2024, 1, 5, 14, 30), got, "date-only takes now's time of day")

	got, ok, err = startTrigger(c, "datetime", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(2024, 1, 5, 7, 15), got)

	got, ok, err = startTrigger(c, "ok", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, got)

	_, ok, err = startTrigger(c, "garbage", now)
	assert.False(t, ok)
	assert.True(t, IsDataError(err))

	_, ok, err = startTrigger(c, "no", now)
	assert.False(t, ok)
	assert.NoError(t, err)
}
