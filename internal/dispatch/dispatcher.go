// Package dispatch runs approved actions against their executors and
// normalizes whatever an executor returns into a single result envelope.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kalambet/commander/internal/actions"
	"github.com/kalambet/commander/internal/storage"
)

const defaultTimeout = 60 * time.Second

// Executor performs the side effect of one action kind. It may return a map
// carrying a "success" flag, a foreign error object such as
// {"ok": false, "error": "..."}, or a bare string on success.
type Executor interface {
	Execute(ctx context.Context, action storage.ProposedAction) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action storage.ProposedAction) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, action storage.ProposedAction) (any, error) {
	return f(ctx, action)
}

// Result is the normalized outcome of one execution. Envelope always holds
// a boolean "success" key; failures carry an "error" message.
type Result struct {
	Success  bool
	Envelope map[string]any
}

// Status maps the outcome onto the action lifecycle.
func (r Result) Status() storage.ActionStatus {
	if r.Success {
		return storage.StatusExecuted
	}
	return storage.StatusError
}

// ErrorMessage returns the failure message, or "" on success.
func (r Result) ErrorMessage() string {
	msg, _ := r.Envelope["error"].(string)
	return msg
}

func succeeded(env map[string]any) Result {
	env["success"] = true
	return Result{Success: true, Envelope: env}
}

func failed(msg string) Result {
	return Result{Envelope: map[string]any{"success": false, "error": msg}}
}

type Dispatcher struct {
	executors map[storage.ActionType]Executor
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each execution. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(d2 *Dispatcher) { d2.timeout = d }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a dispatcher over executors. Every registered action kind must
// have an executor and no executor may be bound to an unregistered kind.
func New(executors map[storage.ActionType]Executor, opts ...Option) (*Dispatcher, error) {
	for _, typ := range actions.Types() {
		if executors[typ] == nil {
			return nil, fmt.Errorf("no executor registered for %s", typ)
		}
	}
	for typ := range executors {
		if !actions.Valid(typ) {
			return nil, fmt.Errorf("executor bound to unregistered action type %s", typ)
		}
	}

	d := &Dispatcher{
		executors: executors,
		timeout:   defaultTimeout,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Execute runs the executor for action.Type. It never panics and never
// returns an error: every failure is folded into the Result.
func (d *Dispatcher) Execute(ctx context.Context, action storage.ProposedAction) (res Result) {
	exec, ok := d.executors[action.Type]
	if !ok {
		return failed(fmt.Sprintf("unknown action type: %s", action.Type))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("executor panicked",
				"action_id", action.ID, "type", action.Type, "panic", r, "stack", string(debug.Stack()))
			res = failed(fmt.Sprintf("executor panicked: %v", r))
		}
	}()

	start := time.Now()
	out, err := exec.Execute(ctx, action)
	if err != nil {
		res = failed(err.Error())
	} else {
		res = Normalize(out)
	}

	d.logger.Info("action executed",
		"action_id", action.ID, "type", action.Type, "success", res.Success, "duration", time.Since(start))
	return res
}

// Normalize folds an executor's return value into a Result.
func Normalize(out any) Result {
	switch v := out.(type) {
	case string:
		return succeeded(map[string]any{"output": v})
	case map[string]any:
		return normalizeMap(v)
	case nil:
		return failed("executor returned no result")
	default:
		return failed(fmt.Sprintf("unrecognized executor result of type %T", out))
	}
}

func normalizeMap(m map[string]any) Result {
	if raw, ok := m["success"]; ok {
		flag, isBool := raw.(bool)
		if !isBool {
			return failed(fmt.Sprintf("executor success flag has type %T", raw))
		}
		env := make(map[string]any, len(m))
		for k, v := range m {
			env[k] = v
		}
		if !flag {
			if _, ok := env["error"].(string); !ok {
				env["error"] = errorText(env["error"])
			}
		}
		return Result{Success: flag, Envelope: env}
	}

	// Foreign shapes: {"ok": bool, "error": ...} or a bare {"error": ...}.
	if ok, isBool := m["ok"].(bool); isBool {
		if ok {
			return succeeded(map[string]any{"output": m})
		}
		return failed(errorText(m["error"]))
	}
	if e, present := m["error"]; present && e != nil {
		return failed(errorText(e))
	}
	return failed("unrecognized executor result shape")
}

// errorText extracts a message from a foreign error value, which may be a
// string, an object with a "message" field, or anything else.
func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return "unknown error"
	case string:
		if e == "" {
			return "unknown error"
		}
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprint(v)
}
