package executors

import (
	"context"
	"fmt"

	"github.com/kalambet/commander/internal/storage"
)

// Todo writes create_todo actions to the local todo list.
type Todo struct {
	store TodoStore
}

func NewTodo(store TodoStore) *Todo { return &Todo{store: store} }

func (t *Todo) Create(ctx context.Context, a storage.ProposedAction) (any, error) {
	if t.store == nil {
		return nil, ErrNotConfigured{Service: "todo store"}
	}
	title, err := requireString(a.Payload, "title")
	if err != nil {
		return nil, err
	}
	todo, err := t.store.CreateTodo(ctx, storage.Todo{
		Owner:    a.Owner,
		Title:    title,
		Notes:    stringArg(a.Payload, "notes"),
		DueDate:  stringArg(a.Payload, "due_date"),
		ActionID: a.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("saving todo: %w", err)
	}
	return map[string]any{"success": true, "todo_id": todo.ID}, nil
}
