package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/pkg/logx"
)

// SaveDefinition validates and stores def, then reconciles every open case
// it applies to so the change takes effect immediately.
func (e *Engine) SaveDefinition(ctx context.Context, def *Definition, now time.Time) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	def.Retired = false
	def.UpdatedAt = now
	if err := e.store.PutDefinition(ctx, def); err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}

	insts, err := e.store.InstancesByDefinition(ctx, def.ID)
	if err != nil {
		return fmt.Errorf("list instances of %s: %w", def.ID, err)
	}
	var errs []error
	for _, inst := range insts {
		if err := e.repairInstance(ctx, def, inst); err != nil {
			errs = append(errs, err)
		}
	}

	cases, err := e.cases.OpenCases(ctx, def.Domain, def.CaseType)
	if err != nil {
		return fmt.Errorf("list open cases for %s: %w", def.ID, err)
	}
	for _, c := range cases {
		if err := e.Reconcile(ctx, def, c, now); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("definition saved",
		logx.String("definition", def.ID),
		logx.String("domain", def.Domain),
		logx.Int("cases", len(cases)),
	)
	return errors.Join(errs...)
}

// repairInstance keeps an existing instance consistent with an edited definition.
func (e *Engine) repairInstance(ctx context.Context, def *Definition, inst *Instance) error {
	unlock := e.locks.lock(inst.Key())
	defer unlock()

	cur, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("reload instance %s: %w", inst.ID, err)
	}
	changed := def.clampEvent(cur)
	if cur.Method != def.Method {
		cur.Method = def.Method
		changed = true
	}
	if cur.Active && cur.Exhausted(def) {
		cur.Active = false
		changed = true
	}
	if !changed {
		return nil
	}
	if err := e.store.UpdateInstance(ctx, cur); err != nil {
		return fmt.Errorf("repair instance %s: %w", cur.ID, err)
	}
	return nil
}

// RetireDefinition soft-deletes a definition and retires every instance spawned from it.
func (e *Engine) RetireDefinition(ctx context.Context, id string, now time.Time) error {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return fmt.Errorf("retire definition %s: %w", id, err)
	}
	if !def.Retired {
		def.Retired = true
		def.UpdatedAt = now
		if err := e.store.PutDefinition(ctx, def); err != nil {
			return fmt.Errorf("retire definition %s: %w", id, err)
		}
	}

	insts, err := e.store.InstancesByDefinition(ctx, id)
	if err != nil {
		return fmt.Errorf("list instances of %s: %w", id, err)
	}
	var errs []error
	for _, inst := range insts {
		if err := e.retireInstance(ctx, inst, "definition retired"); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("definition retired", logx.String("definition", id), logx.Int("instances", len(insts)))
	return errors.Join(errs...)
}

func (e *Engine) retireInstance(ctx context.Context, inst *Instance, reason string) error {
	unlock := e.locks.lock(inst.Key())
	defer unlock()

	cur, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("reload instance %s: %w", inst.ID, err)
	}
	if cur.Retired {
		return nil
	}
	cur.Retire()
	if err := e.store.UpdateInstance(ctx, cur); err != nil {
		return fmt.Errorf("retire instance %s: %w", cur.ID, err)
	}
	e.publish(eventbus.TypeRetired, cur, reason)
	return nil
}

// DefinitionsFor lists the active definitions that apply to cases of domain and caseType.
func (e *Engine) DefinitionsFor(ctx context.Context, domain, caseType string) ([]*Definition, error) {
	all, err := e.store.ListDefinitions(ctx, DefinitionFilter{Domain: domain})
	if err != nil {
		return nil, fmt.Errorf("list definitions for %s: %w", domain, err)
	}
	out := all[:0]
	for _, d := range all {
		if d.Applies(domain, caseType) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ObserveCase records a changed case and reconciles it against every
// definition that applies to it.
func (e *Engine) ObserveCase(ctx context.Context, c *Case, now time.Time) error {
	if c == nil || c.ID == "" || c.Domain == "" {
		return errors.New("observe case: id and domain are required")
	}
	if c.ModifiedAt.IsZero() {
		c.ModifiedAt = now
	}
	if err := e.cases.PutCase(ctx, c); err != nil {
		return fmt.Errorf("store case %s: %w", c.ID, err)
	}
	defs, err := e.DefinitionsFor(ctx, c.Domain, c.Type)
	if err != nil {
		return err
	}
	var errs []error
	for _, def := range defs {
		if err := e.Reconcile(ctx, def, c, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileOwner re-reconciles every open case owned by userID. Called after
// the user was removed from the directory, it retires their instances.
func (e *Engine) ReconcileOwner(ctx context.Context, userID string, now time.Time) error {
	cases, err := e.cases.CasesOwnedBy(ctx, userID)
	if err != nil {
		return fmt.Errorf("list cases of %s: %w", userID, err)
	}
	var errs []error
	for _, c := range cases {
		defs, err := e.DefinitionsFor(ctx, c.Domain, c.Type)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			if err := e.Reconcile(ctx, def, c, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RecordAck stores a callback acknowledgement from userID received at.
func (e *Engine) RecordAck(ctx context.Context, userID, phone string, at time.Time) error {
	if userID == "" {
		return errors.New("record ack: user id is required")
	}
	ack := Ack{ID: uuid.NewString(), UserID: userID, PhoneNumber: phone, At: at}
	if err := e.acks.RecordAck(ctx, ack); err != nil {
		return fmt.Errorf("record ack for %s: %w", userID, err)
	}
	e.log.Debug("callback ack recorded", logx.String("user", userID), logx.Time("at", at))
	return nil
}
