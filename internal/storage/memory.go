package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

const memoryDeliveryCap = 10000

// memoryStore keeps everything in maps guarded by one mutex.
//
// When Config.Path is set, deliveries are also appended to
// <prefix>.deliveries.jsonl so the audit survives restarts.
type memoryStore struct {
	log       logx.Logger
	retention time.Duration

	mu sync.RWMutex

	defs  map[string]*reminder.Definition
	insts map[string]*reminder.Instance
	live  map[string]string // definitionID+caseID -> non-retired instance id
	cases map[string]*reminder.Case
	users map[string]*reminder.User
	acks  map[string][]reminder.Ack // by user id

	deliveries []reminder.Delivery
	auditFile  *os.File
	closed     bool
}

func openMemory(cfg Config, log logx.Logger) (Store, error) {
	s := &memoryStore{
		log:       log,
		retention: cfg.DeliveryRetention,
		defs:      map[string]*reminder.Definition{},
		insts:     map[string]*reminder.Instance{},
		live:      map[string]string{},
		cases:     map[string]*reminder.Case{},
		users:     map[string]*reminder.User{},
		acks:      map[string][]reminder.Ack{},
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return s, nil
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, base+".deliveries.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = f
	return s, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func liveKey(definitionID, caseID string) string { return definitionID + "\x00" + caseID }
func caseKey(domain, id string) string           { return domain + "\x00" + id }

// --- definitions

func (s *memoryStore) PutDefinition(_ context.Context, def *reminder.Definition) error {
	if def == nil || def.ID == "" {
		return errors.New("definition id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

func (s *memoryStore) GetDefinition(_ context.Context, id string) (*reminder.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, reminder.ErrNotFound)
	}
	return cloneDefinition(d), nil
}

func (s *memoryStore) ListDefinitions(_ context.Context, f reminder.DefinitionFilter) ([]*reminder.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*reminder.Definition, 0, len(s.defs))
	for _, d := range s.defs {
		if f.Domain != "" && d.Domain != f.Domain {
			continue
		}
		if f.CaseType != "" && d.CaseType != "" && d.CaseType != f.CaseType {
			continue
		}
		if d.Retired && !f.IncludeRetired {
			continue
		}
		out = append(out, cloneDefinition(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- instances

func (s *memoryStore) CreateInstance(_ context.Context, inst *reminder.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := liveKey(inst.DefinitionID, inst.CaseID)
	if !inst.Retired {
		if _, ok := s.live[key]; ok {
			return fmt.Errorf("instance %s/%s: %w", inst.DefinitionID, inst.CaseID, reminder.ErrExists)
		}
	}
	if _, ok := s.insts[inst.ID]; ok {
		return fmt.Errorf("instance %s: %w", inst.ID, reminder.ErrExists)
	}
	inst.Version = 1
	cp := *inst
	s.insts[inst.ID] = &cp
	if !inst.Retired {
		s.live[key] = inst.ID
	}
	return nil
}

func (s *memoryStore) UpdateInstance(_ context.Context, inst *reminder.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.insts[inst.ID]
	if !ok {
		return fmt.Errorf("instance %s: %w", inst.ID, reminder.ErrNotFound)
	}
	if cur.Version != inst.Version {
		return fmt.Errorf("instance %s at version %d, have %d: %w", inst.ID, cur.Version, inst.Version, reminder.ErrConflict)
	}
	if cur.Retired && !inst.Retired {
		return fmt.Errorf("instance %s is retired: %w", inst.ID, reminder.ErrConflict)
	}
	inst.Version++
	cp := *inst
	s.insts[inst.ID] = &cp
	if inst.Retired {
		key := liveKey(inst.DefinitionID, inst.CaseID)
		if s.live[key] == inst.ID {
			delete(s.live, key)
		}
	}
	return nil
}

func (s *memoryStore) GetInstance(_ context.Context, id string) (*reminder.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.insts[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, reminder.ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *memoryStore) FindInstance(_ context.Context, domain, definitionID, caseID string) (*reminder.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.live[liveKey(definitionID, caseID)]
	if !ok {
		return nil, fmt.Errorf("instance %s/%s: %w", definitionID, caseID, reminder.ErrNotFound)
	}
	inst := s.insts[id]
	if domain != "" && inst.Domain != domain {
		return nil, fmt.Errorf("instance %s/%s in %s: %w", definitionID, caseID, domain, reminder.ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *memoryStore) DueInstances(_ context.Context, q reminder.DueQuery) ([]*reminder.Instance, error) {
	s.mu.RLock()
	var out []*reminder.Instance
	for _, id := range s.live {
		inst := s.insts[id]
		if !inst.Active || inst.NextFire.After(q.Before) || q.After.Covers(inst) {
			continue
		}
		if q.Domain != "" && inst.Domain != q.Domain {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].NextFire.Before(out[j].NextFire)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) InstancesByDefinition(_ context.Context, definitionID string) ([]*reminder.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*reminder.Instance
	for _, id := range s.live {
		inst := s.insts[id]
		if inst.DefinitionID != definitionID {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

// --- cases

func (s *memoryStore) PutCase(_ context.Context, c *reminder.Case) error {
	if c == nil || c.ID == "" {
		return errors.New("case id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *c
	cp.Properties = c.Snapshot()
	s.cases[caseKey(c.Domain, c.ID)] = &cp
	return nil
}

func (s *memoryStore) GetCase(_ context.Context, domain, caseID string) (*reminder.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseKey(domain, caseID)]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, reminder.ErrNotFound)
	}
	cp := *c
	cp.Properties = c.Snapshot()
	return &cp, nil
}

func (s *memoryStore) OpenCases(_ context.Context, domain, caseType string) ([]*reminder.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*reminder.Case
	for _, c := range s.cases {
		if c.Closed || c.Domain != domain {
			continue
		}
		if caseType != "" && c.Type != caseType {
			continue
		}
		cp := *c
		cp.Properties = c.Snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) CasesOwnedBy(_ context.Context, userID string) ([]*reminder.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*reminder.Case
	for _, c := range s.cases {
		if c.Closed || c.OwnerID != userID {
			continue
		}
		cp := *c
		cp.Properties = c.Snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- users

func (s *memoryStore) PutUser(_ context.Context, u *reminder.User) error {
	if u == nil || u.ID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *u
	cp.Data = cloneMap(u.Data)
	s.users[u.ID] = &cp
	return nil
}

func (s *memoryStore) GetUser(_ context.Context, userID string) (*reminder.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, reminder.ErrNotFound)
	}
	cp := *u
	cp.Data = cloneMap(u.Data)
	return &cp, nil
}

func (s *memoryStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, reminder.ErrNotFound)
	}
	delete(s.users, userID)
	return nil
}

// --- acks

func (s *memoryStore) RecordAck(_ context.Context, ack reminder.Ack) error {
	if ack.UserID == "" {
		return errors.New("ack user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.acks[ack.UserID] = append(s.acks[ack.UserID], ack)
	return nil
}

func (s *memoryStore) AckedBetween(_ context.Context, userID string, since, until time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.acks[userID] {
		if a.At.After(since) && !a.At.After(until) {
			return true, nil
		}
	}
	return false, nil
}

// --- deliveries

func (s *memoryStore) AppendDelivery(_ context.Context, d reminder.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deliveries = append(s.deliveries, d)
	if s.retention > 0 {
		cutoff := d.At.Add(-s.retention)
		i := sort.Search(len(s.deliveries), func(i int) bool { return !s.deliveries[i].At.Before(cutoff) })
		s.deliveries = s.deliveries[i:]
	}
	if n := len(s.deliveries); n > memoryDeliveryCap {
		s.deliveries = append([]reminder.Delivery(nil), s.deliveries[n-memoryDeliveryCap:]...)
	}
	if s.auditFile != nil {
		if err := json.NewEncoder(s.auditFile).Encode(d); err != nil {
			s.log.Debug("delivery journal write failed", logx.Err(err))
		}
	}
	return nil
}

func (s *memoryStore) RecentDeliveries(_ context.Context, instanceID string, limit int) ([]reminder.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reminder.Delivery
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if instanceID != "" && d.InstanceID != instanceID {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneDefinition(d *reminder.Definition) *reminder.Definition {
	cp := *d
	cp.Events = make([]reminder.Event, len(d.Events))
	for i, ev := range d.Events {
		ev.Messages = cloneStrings(ev.Messages)
		ev.CallbackTimeoutIntervals = append([]int(nil), ev.CallbackTimeoutIntervals...)
		cp.Events[i] = ev
	}
	return &cp
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
