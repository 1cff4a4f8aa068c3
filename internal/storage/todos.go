package storage

import (
	"context"
	"fmt"
	"time"
)

// CreateTodo inserts a todo and returns it with its assigned id.
func (s *Store) CreateTodo(ctx context.Context, t Todo) (Todo, error) {
	if t.Owner == "" || t.Title == "" {
		return Todo{}, fmt.Errorf("todo requires owner and title")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var actionID any
	if t.ActionID != 0 {
		actionID = t.ActionID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO todos (owner, title, notes, due_date, action_id, done, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Owner, t.Title, t.Notes, t.DueDate, actionID, boolToInt(t.Done), FormatTime(t.CreatedAt),
	)
	if err != nil {
		return Todo{}, fmt.Errorf("inserting todo: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return Todo{}, err
	}
	return t, nil
}

// ListTodos returns owner's todos, newest first. Done todos are included
// only when includeDone is set.
func (s *Store) ListTodos(ctx context.Context, owner string, includeDone bool) ([]Todo, error) {
	query := `SELECT id, owner, title, notes, due_date, COALESCE(action_id, 0), done, created_at
		FROM todos WHERE owner = ?`
	if !includeDone {
		query += ` AND done = 0`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Todo
	for rows.Next() {
		var t Todo
		var done int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Owner, &t.Title, &t.Notes, &t.DueDate, &t.ActionID, &done, &createdAt); err != nil {
			return nil, err
		}
		t.Done = done != 0
		if t.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompleteTodo marks a todo done.
func (s *Store) CompleteTodo(ctx context.Context, owner string, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE todos SET done = 1 WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
