package reminder_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindd/internal/eventbus"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t0   = day1.Add(9 * time.Hour)
)

type fakeGateway struct {
	mu       sync.Mutex
	sent     []reminder.OutboundMessage
	fail     map[string]bool
	panicFor string
}

func (g *fakeGateway) Send(_ context.Context, m reminder.OutboundMessage) error {
	if m.UserID == g.panicFor {
		panic("gateway exploded")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail[m.UserID] {
		return errors.New("gateway down")
	}
	g.sent = append(g.sent, m)
	return nil
}

func (g *fakeGateway) setFail(user string, v bool) {
	g.mu.Lock()
	g.fail[user] = v
	g.mu.Unlock()
}

func (g *fakeGateway) messages() []reminder.OutboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]reminder.OutboundMessage(nil), g.sent...)
}

// switchUsers fails every lookup while err is set.
type switchUsers struct {
	reminder.UserDirectory
	mu  sync.Mutex
	err error
}

func (u *switchUsers) GetUser(ctx context.Context, id string) (*reminder.User, error) {
	u.mu.Lock()
	err := u.err
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return u.UserDirectory.GetUser(ctx, id)
}

func (u *switchUsers) setErr(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
}

type fixture struct {
	ctx   context.Context
	st    storage.Store
	users *switchUsers
	gw    *fakeGateway
	bus   eventbus.Bus
	eng   *reminder.Engine
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, reminder.Config{Workers: 4})
}

func newFixtureWith(t *testing.T, cfg reminder.Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	users := &switchUsers{UserDirectory: st}
	gw := &fakeGateway{fail: map[string]bool{}}
	bus := eventbus.New()
	eng, err := reminder.New(cfg, reminder.Deps{
		Store: st, Cases: st, Users: users, Acks: st, Gateway: gw, Bus: bus, Log: logx.Nop(),
	})
	require.NoError(t, err)

	f := &fixture{ctx: context.Background(), st: st, users: users, gw: gw, bus: bus, eng: eng}
	f.user(t, &reminder.User{ID: "u1", TimeZone: "UTC", PhoneNumber: "+15550001"})
	return f
}

func (f *fixture) user(t *testing.T, u *reminder.User) {
	require.NoError(t, f.st.PutUser(f.ctx, u))
}

func (f *fixture) define(t *testing.T, def *reminder.Definition) *reminder.Definition {
	t.Helper()
	require.NoError(t, f.eng.SaveDefinition(f.ctx, def, day1))
	return def
}

func (f *fixture) observe(t *testing.T, c *reminder.Case, now time.Time) {
	t.Helper()
	require.NoError(t, f.eng.ObserveCase(f.ctx, c, now))
}

func (f *fixture) instance(t *testing.T, defID, caseID string) *reminder.Instance {
	t.Helper()
	inst, err := f.st.FindInstance(f.ctx, "clinic", defID, caseID)
	require.NoError(t, err)
	return inst
}

func (f *fixture) tick(t *testing.T, now time.Time) reminder.TickReport {
	t.Helper()
	rep, err := f.eng.Tick(f.ctx, now)
	require.NoError(t, err)
	return rep
}

func visitDefinition() *reminder.Definition {
	return &reminder.Definition{
		ID: "visits", Domain: "clinic", CaseType: "pregnancy",
		StartCondition: "start_date", DefaultLanguage: "en", Method: reminder.MethodSMS,
		MaxIterationCount: 1, CadenceLengthDays: 7,
		Events: []reminder.Event{
			{DayOffset: 0, TimeOfDay: reminder.Clock{Hour: 9}, Messages: map[string]string{"en": "Hello {case.name}"}},
			{DayOffset: 2, TimeOfDay: reminder.Clock{Hour: 9}, Messages: map[string]string{"en": "Follow up in {case.edd.days_until} days"}},
		},
	}
}

func pregnancy(id string, props map[string]any) *reminder.Case {
	return &reminder.Case{ID: id, Domain: "clinic", Type: "pregnancy", OwnerID: "u1", Properties: props}
}

func TestTickFiresAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{
		"start_date": "2024-01-01", "name": "Amina", "edd": "2024-01-13",
	}), day1.Add(8*time.Hour))

	inst := f.instance(t, "visits", "c1")
	assert.Equal(t, t0, inst.NextFire)

	rep := f.tick(t, t0.Add(-30*time.Minute))
	assert.Zero(t, rep.Due)

	rep = f.tick(t, t0)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Advanced)
	inst = f.instance(t, "visits", "c1")
	assert.Equal(t, 1, inst.EventIndex)
	assert.Equal(t, t0.AddDate(0, 0, 2), inst.NextFire)
	assert.Equal(t, t0, inst.LastFired)

	rep = f.tick(t, t0.AddDate(0, 0, 2))
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Completed)

	msgs := f.gw.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello Amina", msgs[0].Text)
	assert.Equal(t, "Follow up in 10 days", msgs[1].Text)
	assert.Equal(t, "+15550001", msgs[0].PhoneNumber)
	assert.False(t, msgs[0].ExpectAck)

	inst = f.instance(t, "visits", "c1")
	assert.False(t, inst.Active)
	assert.Zero(t, f.tick(t, t0.AddDate(0, 1, 0)).Due)

	deliveries, err := f.st.RecentDeliveries(f.ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)
}

func callbackDefinition() *reminder.Definition {
	return &reminder.Definition{
		ID: "confirm", Domain: "clinic", StartCondition: "start_date", DefaultLanguage: "en",
		Method: reminder.MethodCallback, MaxIterationCount: 2, CadenceLengthDays: 1,
		Events: []reminder.Event{{
			TimeOfDay:                reminder.Clock{Hour: 9},
			Messages:                 map[string]string{"en": "Reply to confirm"},
			CallbackTimeoutIntervals: []int{10, 30},
		}},
	}
}

func TestCallbackRetriesUntilExhausted(t *testing.T) {
	f := newFixture(t)
	f.define(t, callbackDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1.Add(8*time.Hour))

	f.tick(t, t0)
	inst := f.instance(t, "confirm", "c1")
	assert.Equal(t, t0.Add(10*time.Minute), inst.NextFire)
	assert.Equal(t, 1, inst.CallbackTryCount)

	f.tick(t, t0.Add(10*time.Minute))
	inst = f.instance(t, "confirm", "c1")
	assert.Equal(t, t0.Add(40*time.Minute), inst.NextFire)
	assert.Equal(t, 2, inst.CallbackTryCount)

	rep := f.tick(t, t0.Add(40*time.Minute))
	assert.Equal(t, 1, rep.Advanced)
	inst = f.instance(t, "confirm", "c1")
	assert.Equal(t, 0, inst.CallbackTryCount)
	assert.Equal(t, 2, inst.Iteration)
	assert.Equal(t, t0.AddDate(0, 0, 1), inst.NextFire)

	msgs := f.gw.messages()
	assert.Len(t, msgs, 3)
	assert.True(t, msgs[0].ExpectAck)
}

func TestCallbackAckShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.define(t, callbackDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1.Add(8*time.Hour))

	f.tick(t, t0)
	require.NoError(t, f.eng.RecordAck(f.ctx, "u1", "+15550001", t0.Add(5*time.Minute)))

	rep := f.tick(t, t0.Add(10*time.Minute))
	assert.Equal(t, 1, rep.Acknowledged)
	assert.Zero(t, rep.Fired)
	assert.Len(t, f.gw.messages(), 1, "no resend after an ack")

	inst := f.instance(t, "confirm", "c1")
	assert.Equal(t, 2, inst.Iteration)
	assert.False(t, inst.CallbackReceived)
	assert.Equal(t, t0.AddDate(0, 0, 1), inst.NextFire)
}

func TestClosedCaseRetiresInstance(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	c := pregnancy("c1", map[string]any{"start_date": "2024-01-01"})
	f.observe(t, c, day1.Add(8*time.Hour))
	id := f.instance(t, "visits", "c1").ID

	c.Closed = true
	f.observe(t, c, day1.Add(8*time.Hour+time.Minute))

	_, err := f.st.FindInstance(f.ctx, "clinic", "visits", "c1")
	require.ErrorIs(t, err, reminder.ErrNotFound)
	got, err := f.st.GetInstance(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Retired)

	assert.Zero(t, f.tick(t, t0.AddDate(0, 0, 30)).Due)
	assert.Empty(t, f.gw.messages())
}

func TestMissingOwnerRetiresInstance(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	c := pregnancy("c1", map[string]any{"start_date": "2024-01-01"})
	f.observe(t, c, day1)
	f.instance(t, "visits", "c1")

	c.OwnerID = "ghost"
	f.observe(t, c, day1.Add(time.Minute))
	_, err := f.st.FindInstance(f.ctx, "clinic", "visits", "c1")
	require.ErrorIs(t, err, reminder.ErrNotFound)
}

func TestReactivationRestartsAtNow(t *testing.T) {
	f := newFixture(t)
	def := visitDefinition()
	def.UntilCondition = "paused"
	def.MaxIterationCount = 3
	f.define(t, def)

	c := pregnancy("c1", map[string]any{"start_date": "2024-01-01"})
	f.observe(t, c, day1.Add(8*time.Hour))

	c.Properties["paused"] = "ok"
	f.observe(t, c, day1.Add(8*time.Hour+time.Minute))
	assert.False(t, f.instance(t, "visits", "c1").Active)
	assert.Zero(t, f.tick(t, t0.AddDate(0, 0, 3)).Due)

	resume := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	delete(c.Properties, "paused")
	f.observe(t, c, resume)

	inst := f.instance(t, "visits", "c1")
	assert.True(t, inst.Active)
	assert.Equal(t, resume, inst.NextFire)

	rep := f.tick(t, resume)
	assert.Equal(t, 1, rep.Fired)
	assert.Len(t, f.gw.messages(), 1, "missed fires are not replayed")
}

func TestExhaustedInstanceStaysInactive(t *testing.T) {
	f := newFixture(t)
	def := visitDefinition()
	def.UntilCondition = "paused"
	def.Events = def.Events[:1]
	f.define(t, def)

	c := pregnancy("c1", map[string]any{"start_date": "2024-01-01"})
	f.observe(t, c, day1)
	assert.Equal(t, 1, f.tick(t, t0).Completed)

	c.Properties["paused"] = "ok"
	f.observe(t, c, t0.Add(time.Hour))
	delete(c.Properties, "paused")
	f.observe(t, c, t0.Add(2*time.Hour))

	assert.False(t, f.instance(t, "visits", "c1").Active)
}

func TestTransportFailureKeepsInstanceDue(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01", "name": "Amina"}), day1)

	f.gw.setFail("u1", true)
	rep := f.tick(t, t0)
	assert.Equal(t, 1, rep.Failed)
	inst := f.instance(t, "visits", "c1")
	assert.Equal(t, t0, inst.NextFire)
	assert.Equal(t, 0, inst.EventIndex)

	f.gw.setFail("u1", false)
	rep = f.tick(t, t0.Add(time.Minute))
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, f.instance(t, "visits", "c1").EventIndex)

	deliveries, err := f.st.RecentDeliveries(f.ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.True(t, deliveries[0].OK)
	assert.Equal(t, "gateway down", deliveries[1].Error)
}

func TestFailingInstancesDoNotStarveTheRest(t *testing.T) {
	f := newFixtureWith(t, reminder.Config{Workers: 1, DueBatch: 1})
	f.user(t, &reminder.User{ID: "u2", TimeZone: "UTC"})
	f.define(t, visitDefinition())

	stuck := pregnancy("c0", map[string]any{"start_date": "2023-12-31"})
	stuck.OwnerID = "u2"
	f.observe(t, stuck, day1)
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)
	assert.True(t, f.instance(t, "visits", "c0").NextFire.Before(f.instance(t, "visits", "c1").NextFire))

	f.gw.setFail("u2", true)
	rep := f.tick(t, t0)
	assert.Equal(t, 2, rep.Due)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Fired)

	msgs := f.gw.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "u1", msgs[0].UserID)
	assert.Equal(t, 1, f.instance(t, "visits", "c1").EventIndex)

	rep = f.tick(t, t0.Add(time.Minute))
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Failed)
}

func TestTickRetiresWhenOwnerRemoved(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(16)
	defer unsub()
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)
	inst := f.instance(t, "visits", "c1")

	require.NoError(t, f.st.DeleteUser(f.ctx, "u1"))
	rep := f.tick(t, t0)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, f.gw.messages())

	got, err := f.st.GetInstance(f.ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired)

	var retired *eventbus.Event
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == eventbus.TypeRetired {
			retired = &ev
		}
	}
	require.NotNil(t, retired)
	assert.Equal(t, "owner missing", retired.Detail)
}

func TestTickOwnerLookupErrorKeepsInstanceDue(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)

	f.users.setErr(errors.New("directory down"))
	rep := f.tick(t, t0)
	assert.Equal(t, 1, rep.Errors)
	assert.Empty(t, f.gw.messages())
	inst := f.instance(t, "visits", "c1")
	assert.Equal(t, t0, inst.NextFire)
	assert.True(t, inst.Active)

	f.users.setErr(nil)
	assert.Equal(t, 1, f.tick(t, t0.Add(time.Minute)).Fired)
}

func TestReconcileOwnerRetiresInstances(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)
	f.observe(t, pregnancy("c2", map[string]any{"start_date": "2024-01-01"}), day1)

	require.NoError(t, f.eng.ReconcileOwner(f.ctx, "u1", day1.Add(time.Hour)))
	f.instance(t, "visits", "c1")

	require.NoError(t, f.st.DeleteUser(f.ctx, "u1"))
	require.NoError(t, f.eng.ReconcileOwner(f.ctx, "u1", day1.Add(2*time.Hour)))
	for _, id := range []string{"c1", "c2"} {
		_, err := f.st.FindInstance(f.ctx, "clinic", "visits", id)
		require.ErrorIs(t, err, reminder.ErrNotFound)
	}
	assert.Zero(t, f.tick(t, t0).Due)
}

func TestConcurrentObserveSpawnsOnce(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := pregnancy("c1", map[string]any{"start_date": "2024-01-01"})
			assert.NoError(t, f.eng.ObserveCase(f.ctx, c, day1))
		}()
	}
	wg.Wait()

	insts, err := f.st.InstancesByDefinition(f.ctx, "visits")
	require.NoError(t, err)
	assert.Len(t, insts, 1)
}

func TestConcurrentTicksFireOnce(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Tick(f.ctx, t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, f.gw.messages(), 1)
}

func TestPanicIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.user(t, &reminder.User{ID: "u2", TimeZone: "UTC"})
	f.gw.panicFor = "u2"
	f.define(t, visitDefinition())

	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)
	c2 := pregnancy("c2", map[string]any{"start_date": "2024-01-01"})
	c2.OwnerID = "u2"
	f.observe(t, c2, day1)

	rep := f.tick(t, t0)
	assert.Equal(t, 2, rep.Due)
	assert.Equal(t, 1, rep.Fired)
	assert.Equal(t, 1, rep.Errors)
}

func TestLanguageFromOwner(t *testing.T) {
	f := newFixture(t)
	f.user(t, &reminder.User{ID: "u1", TimeZone: "UTC", Data: map[string]any{"lang": "sw"}})
	def := visitDefinition()
	def.LanguageProperty = "lang"
	def.Events = def.Events[:1]
	def.Events[0].Messages["sw"] = "Habari {case.name}"
	f.define(t, def)

	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01", "name": "Amina"}), day1)
	assert.Equal(t, "sw", f.instance(t, "visits", "c1").Language)

	f.tick(t, t0)
	msgs := f.gw.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Habari Amina", msgs[0].Text)
}

func TestUnknownLanguageFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	f.user(t, &reminder.User{ID: "u1", TimeZone: "UTC", Data: map[string]any{"lang": "fr"}})
	def := visitDefinition()
	def.LanguageProperty = "lang"
	f.define(t, def)

	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01", "name": "Amina"}), day1)
	f.tick(t, t0)
	msgs := f.gw.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello Amina", msgs[0].Text)
}

func TestEmailWithoutSenderStaysDue(t *testing.T) {
	f := newFixture(t)
	def := visitDefinition()
	def.Method = reminder.MethodEmail
	f.define(t, def)
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)

	rep := f.tick(t, t0)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, t0, f.instance(t, "visits", "c1").NextFire)
}

func TestTestMethodOnlyLogs(t *testing.T) {
	f := newFixture(t)
	def := visitDefinition()
	def.Method = reminder.MethodTest
	f.define(t, def)
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)

	rep := f.tick(t, t0)
	assert.Equal(t, 1, rep.Fired)
	assert.Empty(t, f.gw.messages())
}

func TestSaveDefinitionReconcilesOpenCases(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.PutCase(f.ctx, pregnancy("c1", map[string]any{"start_date": "2024-01-01"})))
	require.NoError(t, f.st.PutCase(f.ctx, pregnancy("c2", map[string]any{})))

	f.define(t, visitDefinition())

	insts, err := f.st.InstancesByDefinition(f.ctx, "visits")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, "c1", insts[0].CaseID)
}

func TestSaveDefinitionRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	def := visitDefinition()
	def.Events = nil
	err := f.eng.SaveDefinition(f.ctx, def, day1)
	require.ErrorIs(t, err, reminder.ErrInvalidDefinition)
}

func TestRetireDefinition(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)

	require.NoError(t, f.eng.RetireDefinition(f.ctx, "visits", day1))

	insts, err := f.st.InstancesByDefinition(f.ctx, "visits")
	require.NoError(t, err)
	assert.Empty(t, insts)

	defs, err := f.eng.DefinitionsFor(f.ctx, "clinic", "pregnancy")
	require.NoError(t, err)
	assert.Empty(t, defs)

	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)
	assert.Zero(t, f.tick(t, t0).Due)
}

func TestDefinitionsForMatchesCaseType(t *testing.T) {
	f := newFixture(t)
	f.define(t, visitDefinition())
	f.define(t, callbackDefinition())

	defs, err := f.eng.DefinitionsFor(f.ctx, "clinic", "pregnancy")
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	defs, err = f.eng.DefinitionsFor(f.ctx, "clinic", "household")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "confirm", defs[0].ID)
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.define(t, visitDefinition())
	f.observe(t, pregnancy("c1", map[string]any{"start_date": "2024-01-01"}), day1)
	f.tick(t, t0)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{eventbus.TypeSpawned, eventbus.TypeFired}, types)
}
