package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/definitions"
	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// ErrNoDefinitionsFile is returned by SyncDefinitions when definitions.path is unset.
var ErrNoDefinitionsFile = errors.New("definitions.path is not configured")

// SyncDefinitions applies the definitions file once.
func (a *App) SyncDefinitions(ctx context.Context) (definitions.Result, error) {
	if a.syncer == nil {
		return definitions.Result{}, ErrNoDefinitionsFile
	}
	return a.syncer.Sync(ctx)
}

// Tick runs one polling pass outside the schedule.
func (a *App) Tick(ctx context.Context) (reminder.TickReport, error) {
	return a.sched.RunOnce(ctx)
}

// ReconcileReport summarizes a full reconciliation sweep.
type ReconcileReport struct {
	Definitions int `json:"definitions"`
	Cases       int `json:"cases"`
	Failed      int `json:"failed"`
}

// ReconcileAll reconciles every open case against every active definition
// of domain. An empty domain sweeps all domains. Per-case failures are
// logged and counted; the sweep continues.
func (a *App) ReconcileAll(ctx context.Context, domain string, now time.Time) (ReconcileReport, error) {
	var rep ReconcileReport
	defs, err := a.store.ListDefinitions(ctx, reminder.DefinitionFilter{Domain: domain})
	if err != nil {
		return rep, fmt.Errorf("list definitions: %w", err)
	}
	for _, def := range defs {
		if def.Retired {
			continue
		}
		rep.Definitions++
		cases, err := a.store.OpenCases(ctx, def.Domain, def.CaseType)
		if err != nil {
			return rep, fmt.Errorf("open cases of %s: %w", def.ID, err)
		}
		for _, c := range cases {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.Cases++
			if err := a.engine.Reconcile(ctx, def, c, now); err != nil {
				rep.Failed++
				a.log.Warn("reconcile failed",
					logx.String("definition_id", def.ID),
					logx.String("case_id", c.ID),
					logx.Err(err),
				)
			}
		}
	}
	a.log.Info("reconcile sweep done",
		logx.String("domain", domain),
		logx.Int("definitions", rep.Definitions),
		logx.Int("cases", rep.Cases),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}
