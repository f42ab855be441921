package main

import (
	"context"
	"sync"

	"github.com/foremanhq/foreman/internal/budget"
)

// pausable is the queue surface the budget guard drives.
type pausable interface {
	Pause(reason string)
	Resume()
}

// emergencyStopper halts all supervised workers.
type emergencyStopper interface {
	EmergencyStop(reason string)
}

// budgetGuard owns budget-driven queue pausing. The budget-check and
// budget-reset cron jobs each run on their own goroutine, so all state
// transitions are serialized through its mutex.
type budgetGuard struct {
	enforcer *budget.Enforcer
	queue    pausable
	stopper  emergencyStopper
	// onRecover fires when a budget pause lifts, so standing
	// escalations can be resolved.
	onRecover func()

	mu     sync.Mutex
	paused bool
}

func newBudgetGuard(enforcer *budget.Enforcer, queue pausable, stopper emergencyStopper) *budgetGuard {
	return &budgetGuard{
		enforcer: enforcer,
		queue:    queue,
		stopper:  stopper,
	}
}

// check runs one budget evaluation and applies the outcome to the queue.
func (g *budgetGuard) check(ctx context.Context) error {
	result, err := g.enforcer.CheckBudget(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if result.Allowed {
		g.resumeLocked()
		return nil
	}
	if g.paused {
		return nil
	}

	g.enforcer.Pause(result.Reason)
	g.queue.Pause(result.Reason)
	g.paused = true
	if result.Action == budget.ActionStop {
		g.stopper.EmergencyStop(result.Reason)
	}
	return nil
}

// reset rolls the daily window and lifts a pause the roll cleared.
func (g *budgetGuard) reset() error {
	g.enforcer.ResetDaily()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeLocked()
	return nil
}

func (g *budgetGuard) resumeLocked() {
	if !g.paused || g.enforcer.IsPaused() {
		return
	}
	g.queue.Resume()
	g.paused = false
	if g.onRecover != nil {
		g.onRecover()
	}
}
