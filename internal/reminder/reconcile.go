package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/eventbus"
	"remindd/pkg/logx"
)

// Reconcile brings the instance for (def, c) in line with the case's current state.
//
// A closed case, or one whose owner no longer exists, retires its instance.
// Otherwise a missing instance is spawned once the start condition holds, and
// an existing one is paused while the until condition holds. Resuming a paused
// instance restarts it at now instead of replaying what was missed.
func (e *Engine) Reconcile(ctx context.Context, def *Definition, c *Case, now time.Time) error {
	unlock := e.locks.lock(lockKey(def.ID, c.ID))
	defer unlock()
	return e.reconcileLocked(ctx, def, c, now)
}

func (e *Engine) reconcileLocked(ctx context.Context, def *Definition, c *Case, now time.Time) error {
	inst, err := e.store.FindInstance(ctx, def.Domain, def.ID, c.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("find instance %s/%s: %w", def.ID, c.ID, err)
	}
	if errors.Is(err, ErrNotFound) {
		inst = nil
	}

	owner, err := e.users.GetUser(ctx, c.OwnerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("lookup owner %s: %w", c.OwnerID, err)
	}

	if c.Closed || owner == nil {
		if inst == nil {
			return nil
		}
		inst.Retire()
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("retire instance %s: %w", inst.ID, err)
		}
		reason := "case closed"
		if !c.Closed {
			reason = "owner missing"
		}
		e.log.Info("reminder retired", append(instanceFields(inst), logx.String("reason", reason))...)
		e.publish(eventbus.TypeRetired, inst, reason)
		return nil
	}

	if inst == nil {
		return e.spawnLocked(ctx, def, c, owner, now)
	}

	wasActive := inst.Active
	active := !ConditionReached(c, def.UntilCondition, now)
	if active && !wasActive {
		if inst.Exhausted(def) {
			active = false
		} else {
			inst.NextFire = now
		}
	}
	inst.Active = active
	inst.Method = def.Method
	inst.Language = languageFor(def, owner)

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	switch {
	case active && !wasActive:
		e.log.Info("reminder reactivated", instanceFields(inst)...)
		e.publish(eventbus.TypeActivated, inst, "")
	case !active && wasActive:
		e.log.Info("reminder deactivated", instanceFields(inst)...)
		e.publish(eventbus.TypeDeactivated, inst, "")
	}
	return nil
}

func (e *Engine) spawnLocked(ctx context.Context, def *Definition, c *Case, owner *User, now time.Time) error {
	trigger, ok, err := startTrigger(c, def.StartCondition, now)
	if err != nil {
		e.log.Warn("start condition unreadable", logx.String("definition", def.ID), logx.Err(err))
		return nil
	}
	if !ok {
		return nil
	}
	inst, err := def.Spawn(c, owner, trigger)
	if err != nil {
		e.log.Error("spawn failed", logx.String("definition", def.ID), logx.String("case", c.ID), logx.Err(err))
		return nil
	}
	inst.Language = languageFor(def, owner)

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, ErrExists) {
			e.log.Debug("instance created concurrently", logx.String("definition", def.ID), logx.String("case", c.ID))
			return nil
		}
		return fmt.Errorf("create instance %s/%s: %w", def.ID, c.ID, err)
	}
	e.log.Info("reminder spawned", append(instanceFields(inst), logx.Time("next_fire", inst.NextFire))...)
	e.publish(eventbus.TypeSpawned, inst, "")
	return nil
}

// languageFor picks the owner's preferred language, else the definition default.
func languageFor(def *Definition, owner *User) string {
	if def.LanguageProperty != "" && owner != nil {
		if v, ok := owner.Data[def.LanguageProperty].(string); ok && v != "" {
			return v
		}
	}
	return def.DefaultLanguage
}
