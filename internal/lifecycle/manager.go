// Package lifecycle owns the proposed-action state machine:
//
//	pending ──approve──▶ executed | error
//	error   ──approve──▶ executed | error
//	pending, error ──skip──▶ skipped
//
// executed and skipped are terminal. Approving or skipping a terminal action
// returns it unchanged without touching the dispatcher.
//
// Approval claims the action in the store before dispatching, so managers in
// different processes sharing one database never execute an action twice.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/commander/internal/dispatch"
	"github.com/kalambet/commander/internal/storage"
)

// ActionStore is the persistence the manager needs.
type ActionStore interface {
	GetAction(ctx context.Context, owner string, id int64) (storage.ProposedAction, error)
	ListActions(ctx context.Context, owner string, f storage.ActionFilter) ([]storage.ProposedAction, error)
	TransitionAction(ctx context.Context, owner string, id int64, from []storage.ActionStatus, to storage.ActionStatus, result map[string]any) (storage.ProposedAction, error)
	ClaimAction(ctx context.Context, owner string, id int64, from []storage.ActionStatus, lease time.Duration) (storage.ProposedAction, string, error)
	CompleteAction(ctx context.Context, owner string, id int64, claim string, to storage.ActionStatus, result map[string]any) (storage.ProposedAction, error)
	UpdateActionPayload(ctx context.Context, owner string, id int64, payload map[string]any) (storage.ProposedAction, error)
	DeleteActions(ctx context.Context, owner string, ids []int64) (int, error)
}

// Executor runs an approved action and reports a normalized result.
type Executor interface {
	Execute(ctx context.Context, action storage.ProposedAction) dispatch.Result
}

var actionable = []storage.ActionStatus{storage.StatusPending, storage.StatusError}

// executionLease bounds how long a claim survives a process that died while
// executing. It must outlast the dispatcher timeout.
const executionLease = 10 * time.Minute

// Manager runs approve, skip, edit and delete against the action store.
type Manager struct {
	store  ActionStore
	exec   Executor
	locks  keyedMutex
	logger *slog.Logger
}

// NewManager returns a Manager that executes approved actions with exec.
func NewManager(store ActionStore, exec Executor) *Manager {
	return &Manager{store: store, exec: exec, logger: slog.Default()}
}

// Get returns one action of owner. Other owners' actions are reported as
// storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, owner string, id int64) (storage.ProposedAction, error) {
	return m.store.GetAction(ctx, owner, id)
}

// List returns owner's actions newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, owner string, f storage.ActionFilter) ([]storage.ProposedAction, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", f.Status)
	}
	return m.store.ListActions(ctx, owner, f)
}

// Approve executes a pending or errored action and records the outcome.
// Terminal actions are returned as they are.
func (m *Manager) Approve(ctx context.Context, owner string, id int64) (storage.ProposedAction, error) {
	unlock := m.locks.lock(lockKey(owner, id))
	defer unlock()

	a, claim, err := m.store.ClaimAction(ctx, owner, id, actionable, executionLease)
	if errors.Is(err, storage.ErrConflict) {
		if a.Status.Terminal() {
			m.logger.Debug("approve on terminal action", "owner", owner, "action_id", id, "status", a.Status)
			return a, nil
		}
		return storage.ProposedAction{}, fmt.Errorf("approving action %d: %w", id, err)
	}
	if err != nil {
		return storage.ProposedAction{}, err
	}

	res := m.exec.Execute(ctx, a)

	// The side effect already happened; record it even if the caller has
	// gone away.
	updated, err := m.store.CompleteAction(context.WithoutCancel(ctx), owner, id, claim, res.Status(), res.Envelope)
	if errors.Is(err, storage.ErrConflict) {
		m.logger.Warn("execution claim lost before recording", "owner", owner, "action_id", id, "status", updated.Status)
		return updated, nil
	}
	if err != nil {
		return storage.ProposedAction{}, fmt.Errorf("recording result of action %d: %w", id, err)
	}

	if res.Success {
		m.logger.Info("action approved", "owner", owner, "action_id", id, "type", a.Type)
	} else {
		m.logger.Warn("action failed", "owner", owner, "action_id", id, "type", a.Type, "error", res.ErrorMessage())
	}
	return updated, nil
}

// Skip marks a pending or errored action skipped without executing it.
// Terminal actions are returned as they are.
func (m *Manager) Skip(ctx context.Context, owner string, id int64) (storage.ProposedAction, error) {
	unlock := m.locks.lock(lockKey(owner, id))
	defer unlock()

	a, err := m.store.GetAction(ctx, owner, id)
	if err != nil {
		return storage.ProposedAction{}, err
	}
	if a.Status.Terminal() {
		return a, nil
	}

	updated, err := m.store.TransitionAction(ctx, owner, id, actionable, storage.StatusSkipped, a.Result)
	if errors.Is(err, storage.ErrConflict) && updated.Status.Terminal() {
		return updated, nil
	}
	if err != nil {
		return storage.ProposedAction{}, fmt.Errorf("skipping action %d: %w", id, err)
	}
	m.logger.Info("action skipped", "owner", owner, "action_id", id, "type", a.Type)
	return updated, nil
}

// Edit replaces the payload of a pending or errored action. Editing a
// terminal action fails with storage.ErrConflict.
func (m *Manager) Edit(ctx context.Context, owner string, id int64, payload map[string]any) (storage.ProposedAction, error) {
	if payload == nil {
		return storage.ProposedAction{}, errors.New("payload is required")
	}
	if _, ok := payload["confidence"]; ok {
		return storage.ProposedAction{}, errors.New("confidence is not part of the payload")
	}

	unlock := m.locks.lock(lockKey(owner, id))
	defer unlock()
	return m.store.UpdateActionPayload(ctx, owner, id, payload)
}

// Delete removes the listed actions of owner and returns how many went.
func (m *Manager) Delete(ctx context.Context, owner string, ids []int64) (int, error) {
	n, err := m.store.DeleteActions(ctx, owner, ids)
	if err != nil {
		return 0, err
	}
	m.logger.Info("actions deleted", "owner", owner, "requested", len(ids), "deleted", n)
	return n, nil
}

func lockKey(owner string, id int64) string { return fmt.Sprintf("%s\x00%d", owner, id) }

// keyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
