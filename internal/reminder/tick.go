package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"remindd/internal/eventbus"
	"remindd/pkg/logx"
)

// TickReport summarizes one polling pass.
type TickReport struct {
	Due          int `json:"due"`
	Fired        int `json:"fired"`
	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
	Advanced     int `json:"advanced"`
	Completed    int `json:"completed"`
	Skipped      int `json:"skipped"`
	Conflicts    int `json:"conflicts"`
	Errors       int `json:"errors"`
}

type dueResult struct {
	fired, acked, failed       bool
	advanced, completed        bool
	skipped, conflict, errored bool
}

func (r *TickReport) add(res dueResult) {
	if res.fired {
		r.Fired++
	}
	if res.acked {
		r.Acknowledged++
	}
	if res.failed {
		r.Failed++
	}
	if res.advanced {
		r.Advanced++
	}
	if res.completed {
		r.Completed++
	}
	if res.skipped {
		r.Skipped++
	}
	if res.conflict {
		r.Conflicts++
	}
	if res.errored {
		r.Errors++
	}
}

// Tick fires every instance due at now and moves it to its next due time.
//
// The due set is read in pages of DueBatch, each page resuming past the last
// instance of the previous one, so instances that keep failing cannot starve
// the rest. Instances are processed in parallel, at most Workers at a time.
// Each one is handled in isolation: a failure or panic is counted in the
// report and never stops the pass. The returned error is only set when the due
// set could not be loaded or ctx was cancelled.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var (
		rep TickReport
		mu  sync.Mutex
	)
	q := DueQuery{Domain: e.cfg.Domain, Before: now, Limit: e.cfg.DueBatch}
	for {
		due, err := e.store.DueInstances(ctx, q)
		if err != nil {
			return rep, fmt.Errorf("load due instances: %w", err)
		}
		rep.Due += len(due)
		if len(due) == 0 {
			return rep, nil
		}
		last := due[len(due)-1]
		q.After = DueCursor{NextFire: last.NextFire, ID: last.ID}

		var g errgroup.Group
		g.SetLimit(e.cfg.Workers)
		for _, cand := range due {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res := e.processDue(ctx, cand, now)
				mu.Lock()
				rep.add(res)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if len(due) < q.Limit {
			return rep, nil
		}
	}
}

func (e *Engine) processDue(ctx context.Context, cand *Instance, now time.Time) (res dueResult) {
	log := e.log.With(instanceFields(cand)...)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing reminder",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			res = dueResult{errored: true}
		}
	}()

	unlock := e.locks.lock(cand.Key())
	defer unlock()

	// reload under the lock; a concurrent tick or reconcile may have moved it
	inst, err := e.store.GetInstance(ctx, cand.ID)
	if err != nil {
		log.Error("reload instance failed", logx.Err(err))
		return dueResult{errored: true}
	}
	if inst.Retired || !inst.Active || inst.NextFire.After(now) {
		return dueResult{skipped: true}
	}

	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	switch {
	case errors.Is(err, ErrNotFound) || (err == nil && def.Retired):
		inst.Retire()
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return e.writeFailed(log, err)
		}
		log.Info("reminder retired", logx.String("reason", "definition retired"))
		e.publish(eventbus.TypeRetired, inst, "definition retired")
		return dueResult{skipped: true}
	case err != nil:
		log.Error("load definition failed", logx.Err(err))
		return dueResult{errored: true}
	}
	if def.clampEvent(inst) {
		log.Warn("event pointer out of range, restarting at the first event")
	}

	owner, err := e.users.GetUser(ctx, inst.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		inst.Retire()
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return e.writeFailed(log, err)
		}
		log.Info("reminder retired", logx.String("reason", "owner missing"))
		e.publish(eventbus.TypeRetired, inst, "owner missing")
		return dueResult{skipped: true}
	case err != nil:
		log.Error("lookup owner failed", logx.Err(err))
		return dueResult{errored: true}
	}
	zone := owner.TimeZone

	prevIter, prevEvent, wasReceived := inst.Iteration, inst.EventIndex, inst.CallbackReceived
	ok := e.Fire(ctx, def, inst, now)
	if ok {
		res.acked = inst.CallbackReceived && !wasReceived
		res.fired = !res.acked
		def.ComputeNextFire(inst, zone, now)
		res.advanced = inst.Iteration != prevIter || inst.EventIndex != prevEvent
		res.completed = !inst.Active
	} else {
		res.failed = true
	}

	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		wr := e.writeFailed(log, err)
		wr.fired, wr.acked, wr.failed = res.fired, res.acked, res.failed
		return wr
	}
	if res.completed {
		log.Info("reminder completed all iterations", logx.Int("iterations", def.MaxIterationCount))
		e.publish(eventbus.TypeDeactivated, inst, "iterations exhausted")
	}
	return res
}

func (e *Engine) writeFailed(log logx.Logger, err error) dueResult {
	if errors.Is(err, ErrConflict) {
		log.Warn("instance changed concurrently, dropping this pass", logx.Err(err))
		return dueResult{conflict: true}
	}
	log.Error("persist instance failed", logx.Err(err))
	return dueResult{errored: true}
}
