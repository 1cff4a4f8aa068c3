package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const actionColumns = `id, context_id, owner, type, payload_json, confidence, status, result_json,
	source_type, sender, summary, created_at, updated_at, executing_since IS NOT NULL`

// RecordDecision persists every decided action for a context and marks the
// context processed, all in one transaction. Either every action is written
// and the context is processed, or nothing changes. A context that is already
// processed yields ErrConflict.
func (s *Store) RecordDecision(ctx context.Context, owner, contextID, model string, decided []NewAction) ([]ProposedAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning decision transaction: %w", err)
	}
	defer tx.Rollback()

	var sourceType, sender, summary string
	var processed bool
	err = tx.QueryRowContext(ctx,
		`SELECT source_type, sender, summary, processed FROM contexts WHERE id = ? AND owner = ?`,
		contextID, owner,
	).Scan(&sourceType, &sender, &summary, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("context %s: %w", contextID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading context %s: %w", contextID, err)
	}
	if processed {
		return nil, fmt.Errorf("context %s already processed: %w", contextID, ErrConflict)
	}

	now := time.Now().UTC()
	ts := FormatTime(now)
	created := make([]ProposedAction, 0, len(decided))
	for _, d := range decided {
		payload := d.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload for %s: %w", d.Type, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO actions (context_id, owner, type, payload_json, confidence, status, result_json,
				source_type, sender, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', '{}', ?, ?, ?, ?, ?)`,
			contextID, owner, string(d.Type), string(payloadJSON), d.Confidence,
			sourceType, sender, summary, ts, ts,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting %s action: %w", d.Type, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading action id: %w", err)
		}

		created = append(created, ProposedAction{
			ID:         id,
			ContextID:  contextID,
			Owner:      owner,
			Type:       d.Type,
			Payload:    payload,
			Confidence: d.Confidence,
			Status:     StatusPending,
			SourceType: SourceType(sourceType),
			Sender:     sender,
			Summary:    summary,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decisions (context_id, owner, model, action_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		contextID, owner, model, len(decided), ts,
	); err != nil {
		return nil, fmt.Errorf("recording decision: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE contexts SET processed = 1 WHERE id = ? AND owner = ?`, contextID, owner,
	); err != nil {
		return nil, fmt.Errorf("marking context processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing decision: %w", err)
	}
	return created, nil
}

// GetAction returns the action with the given id if it belongs to owner.
func (s *Store) GetAction(ctx context.Context, owner string, id int64) (ProposedAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = ? AND owner = ?`, id, owner)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposedAction{}, ErrNotFound
	}
	return a, err
}

// ListActions returns owner's actions, newest first.
func (s *Store) ListActions(ctx context.Context, owner string, f ActionFilter) ([]ProposedAction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + actionColumns + ` FROM actions WHERE owner = ?`
	args := []any{owner}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return s.queryActions(ctx, query, args...)
}

// ActionsForContexts returns the actions of each listed context keyed by
// context id, oldest first within a context.
func (s *Store) ActionsForContexts(ctx context.Context, owner string, contextIDs []string) (map[string][]ProposedAction, error) {
	out := make(map[string][]ProposedAction, len(contextIDs))
	if len(contextIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(contextIDs)+1)
	args = append(args, owner)
	for _, id := range contextIDs {
		args = append(args, id)
	}
	query := `SELECT ` + actionColumns + ` FROM actions
		WHERE owner = ? AND context_id IN (?` + strings.Repeat(",?", len(contextIDs)-1) + `)
		ORDER BY id ASC`

	list, err := s.queryActions(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		out[a.ContextID] = append(out[a.ContextID], a)
	}
	return out, nil
}

// UpdateActionPayload replaces the payload of an action that is still
// pending or in error. Terminal and executing actions yield ErrConflict.
func (s *Store) UpdateActionPayload(ctx context.Context, owner string, id int64, payload map[string]any) (ProposedAction, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return ProposedAction{}, fmt.Errorf("marshalling payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET payload_json = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND status IN ('pending', 'error') AND executing_since IS NULL`,
		string(payloadJSON), FormatTime(time.Now()), id, owner,
	)
	if err != nil {
		return ProposedAction{}, fmt.Errorf("updating payload: %w", err)
	}
	return s.actionAfterUpdate(ctx, owner, id, res)
}

// TransitionAction moves an action to status `to` with the given result,
// provided its current status is one of `from` and no execution holds it.
// A mismatch yields ErrConflict.
func (s *Store) TransitionAction(ctx context.Context, owner string, id int64, from []ActionStatus, to ActionStatus, result map[string]any) (ProposedAction, error) {
	if len(from) == 0 {
		return ProposedAction{}, fmt.Errorf("transition of action %d: no source states", id)
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return ProposedAction{}, err
	}

	args := []any{string(to), resultJSON, FormatTime(time.Now()), id, owner}
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, result_json = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND executing_since IS NULL
			AND status IN (?`+strings.Repeat(",?", len(from)-1)+`)`,
		args...,
	)
	if err != nil {
		return ProposedAction{}, fmt.Errorf("updating action %d: %w", id, err)
	}
	return s.actionAfterUpdate(ctx, owner, id, res)
}

// ClaimAction marks an action in one of the `from` states as executing and
// returns it with the claim token. The check and the claim are one statement,
// so across processes at most one caller holds a claim. A claim older than
// lease is considered abandoned and can be taken over. An action in another
// state, or claimed by someone else, yields ErrConflict with its current state.
func (s *Store) ClaimAction(ctx context.Context, owner string, id int64, from []ActionStatus, lease time.Duration) (ProposedAction, string, error) {
	if len(from) == 0 {
		return ProposedAction{}, "", fmt.Errorf("claim of action %d: no source states", id)
	}
	now := time.Now()
	claim := FormatTime(now)

	args := []any{claim, id, owner, FormatTime(now.Add(-lease))}
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET executing_since = ?
		WHERE id = ? AND owner = ? AND (executing_since IS NULL OR executing_since < ?)
			AND status IN (?`+strings.Repeat(",?", len(from)-1)+`)`,
		args...,
	)
	if err != nil {
		return ProposedAction{}, "", fmt.Errorf("claiming action %d: %w", id, err)
	}
	a, err := s.actionAfterUpdate(ctx, owner, id, res)
	if err != nil {
		return a, "", err
	}
	return a, claim, nil
}

// CompleteAction records the outcome of a claimed execution and releases the
// claim. It fails with ErrConflict when the claim is no longer held.
func (s *Store) CompleteAction(ctx context.Context, owner string, id int64, claim string, to ActionStatus, result map[string]any) (ProposedAction, error) {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return ProposedAction{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, result_json = ?, updated_at = ?, executing_since = NULL
		WHERE id = ? AND owner = ? AND executing_since = ?`,
		string(to), resultJSON, FormatTime(time.Now()), id, owner, claim,
	)
	if err != nil {
		return ProposedAction{}, fmt.Errorf("completing action %d: %w", id, err)
	}
	return s.actionAfterUpdate(ctx, owner, id, res)
}

// actionAfterUpdate reloads an action after a conditional update. Zero rows
// affected means the action is missing (ErrNotFound) or the condition did
// not hold (ErrConflict, with the current action).
func (s *Store) actionAfterUpdate(ctx context.Context, owner string, id int64, res sql.Result) (ProposedAction, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return ProposedAction{}, err
	}
	current, err := s.GetAction(ctx, owner, id)
	if err != nil {
		return ProposedAction{}, err
	}
	if n == 0 {
		if current.Executing {
			return current, fmt.Errorf("action %d is being executed: %w", id, ErrConflict)
		}
		return current, fmt.Errorf("action %d is %s: %w", id, current.Status, ErrConflict)
	}
	return current, nil
}

func marshalResult(result map[string]any) (string, error) {
	if result == nil {
		return "{}", nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshalling result: %w", err)
	}
	return string(b), nil
}

func statusArgs(states []ActionStatus) []any {
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	return args
}

// DeleteActions removes the listed actions belonging to owner and returns
// how many were deleted. Ids owned by others are ignored.
func (s *Store) DeleteActions(ctx context.Context, owner string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE owner = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountDecisions returns how many decisions were recorded for a context.
func (s *Store) CountDecisions(ctx context.Context, owner, contextID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE owner = ? AND context_id = ?`, owner, contextID).Scan(&n)
	return n, err
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]ProposedAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	var out []ProposedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(sc scanner) (ProposedAction, error) {
	var a ProposedAction
	var typ, status, sourceType, payloadJSON, resultJSON, createdAt, updatedAt string
	if err := sc.Scan(&a.ID, &a.ContextID, &a.Owner, &typ, &payloadJSON, &a.Confidence, &status,
		&resultJSON, &sourceType, &a.Sender, &a.Summary, &createdAt, &updatedAt, &a.Executing); err != nil {
		return ProposedAction{}, err
	}
	a.Type = ActionType(typ)
	a.Status = ActionStatus(status)
	a.SourceType = SourceType(sourceType)

	if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
		return ProposedAction{}, fmt.Errorf("decoding payload of action %d: %w", a.ID, err)
	}
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	if err := json.Unmarshal([]byte(resultJSON), &a.Result); err != nil {
		return ProposedAction{}, fmt.Errorf("decoding result of action %d: %w", a.ID, err)
	}
	if len(a.Result) == 0 {
		a.Result = nil
	}

	var err error
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return ProposedAction{}, err
	}
	if a.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return ProposedAction{}, err
	}
	return a, nil
}
