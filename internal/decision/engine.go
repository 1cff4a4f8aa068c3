// Package decision asks the language model which actions an incoming context
// warrants and turns its tool calls into action records.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kalambet/commander/internal/actions"
	"github.com/kalambet/commander/internal/history"
	"github.com/kalambet/commander/internal/llm"
	"github.com/kalambet/commander/internal/storage"
)

// ErrMalformedOutput marks a model response that cannot be turned into
// actions, such as a call to an unregistered tool.
var ErrMalformedOutput = errors.New("malformed model output")

// Completer is the chat completion call the engine depends on.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Engine asks the model for the actions a context calls for.
type Engine struct {
	client      Completer
	model       string
	temperature float64
	logger      *slog.Logger
}

// NewEngine returns an Engine that completes with model at temperature.
func NewEngine(client Completer, model string, temperature float64) *Engine {
	return &Engine{client: client, model: model, temperature: temperature, logger: slog.Default()}
}

// Model returns the model name decisions are made with.
func (e *Engine) Model() string { return e.model }

// Decide invokes the model with the current context and its history and
// returns the proposed actions in the order the model emitted them. Either
// every tool call parses or none is returned.
func (e *Engine) Decide(ctx context.Context, current storage.ContextItem, h history.History, profileSummary string) ([]storage.NewAction, error) {
	temp := e.temperature
	req := llm.ChatRequest{
		Model:       e.model,
		Messages:    BuildMessages(current, h, profileSummary),
		Tools:       Tools(),
		ToolChoice:  "auto",
		Temperature: &temp,
	}

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrMalformedOutput)
	}

	calls := resp.Choices[0].Message.ToolCalls
	out := make([]storage.NewAction, 0, len(calls))
	for _, call := range calls {
		a, err := parseToolCall(call)
		if err != nil {
			return nil, err
		}
		fillReplyDefaults(&a, current)
		out = append(out, a)
	}

	e.logger.Debug("decision made", "context_id", current.ID, "actions", len(out))
	return out, nil
}

func parseToolCall(call llm.ToolCall) (storage.NewAction, error) {
	typ := storage.ActionType(call.Function.Name)
	if !actions.Valid(typ) {
		return storage.NewAction{}, fmt.Errorf("%w: unknown tool %q", ErrMalformedOutput, call.Function.Name)
	}

	payload := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &payload); err != nil {
			return storage.NewAction{}, fmt.Errorf("%w: arguments of %s: %v", ErrMalformedOutput, typ, err)
		}
		if payload == nil {
			payload = map[string]any{}
		}
	}

	confidence, err := popConfidence(payload)
	if err != nil {
		return storage.NewAction{}, fmt.Errorf("%w: %s: %v", ErrMalformedOutput, typ, err)
	}
	return storage.NewAction{Type: typ, Payload: payload, Confidence: confidence}, nil
}

// popConfidence removes confidence from the arguments so it is never stored
// inside the payload.
func popConfidence(payload map[string]any) (float64, error) {
	raw, ok := payload["confidence"]
	delete(payload, "confidence")
	if !ok || raw == nil {
		return actions.DefaultConfidence, nil
	}

	var c float64
	switch v := raw.(type) {
	case float64:
		c = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("confidence %q is not a number", v)
		}
		c = f
	default:
		return 0, fmt.Errorf("confidence has type %T", raw)
	}

	switch {
	case c < 0:
		c = 0
	case c > 1:
		c = 1
	}
	return c, nil
}

// fillReplyDefaults addresses an email action without a recipient back to
// the sender of the email being answered.
func fillReplyDefaults(a *storage.NewAction, current storage.ContextItem) {
	if a.Type != actions.SendEmail && a.Type != actions.CreateDraft {
		return
	}
	if current.SourceType != storage.SourceEmail {
		return
	}
	if to, _ := a.Payload["to_email"].(string); to != "" {
		return
	}
	if from, _ := current.Content["from_email"].(string); from != "" {
		a.Payload["to_email"] = from
	}
	if _, ok := a.Payload["thread_id"]; !ok {
		if tid, _ := current.Content["message_id"].(string); tid != "" {
			a.Payload["thread_id"] = tid
		}
	}
}
