// Package executors performs the side effects behind each action kind:
// outbound mail, IMAP drafts, CalDAV events, GitHub repositories, issues
// and pull requests, Slack messages and files, and local todos.
package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/commander/internal/actions"
	"github.com/kalambet/commander/internal/dispatch"
	"github.com/kalambet/commander/internal/storage"
)

const httpTimeout = 30 * time.Second

// Config gathers the connection settings of every external service.
// Unset sections leave their executors reporting "not configured".
type Config struct {
	SMTP   SMTPConfig
	IMAP   IMAPConfig
	CalDAV CalDAVConfig
	GitHub GitHubConfig
	Slack  SlackConfig
}

// TodoStore persists todos created by create_todo.
type TodoStore interface {
	CreateTodo(ctx context.Context, t storage.Todo) (storage.Todo, error)
}

// Build returns one executor per registered action kind.
func Build(cfg Config, todos TodoStore, logger *slog.Logger) (map[storage.ActionType]dispatch.Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: httpTimeout}

	mail := NewMail(cfg.SMTP, logger)
	drafts := NewDrafts(cfg.IMAP, cfg.SMTP.From, logger)

	calendar, err := NewCalendar(httpClient, cfg.CalDAV)
	if err != nil {
		return nil, fmt.Errorf("caldav: %w", err)
	}

	var gh *GitHub
	if cfg.GitHub.Token != "" {
		gh, err = NewGitHub(httpClient, cfg.GitHub.Token, cfg.GitHub.BaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
	}

	slack := NewSlack(httpClient, cfg.Slack)
	todo := NewTodo(todos)

	m := map[storage.ActionType]dispatch.Executor{
		actions.SendEmail:         dispatch.ExecutorFunc(mail.Send),
		actions.CreateDraft:       dispatch.ExecutorFunc(drafts.Create),
		actions.ScheduleMeeting:   dispatch.ExecutorFunc(calendar.Schedule),
		actions.CreateTodo:        dispatch.ExecutorFunc(todo.Create),
		actions.SlackPostMessage:  dispatch.ExecutorFunc(slack.PostMessage),
		actions.SlackReply:        dispatch.ExecutorFunc(slack.Reply),
		actions.SlackAddReaction:  dispatch.ExecutorFunc(slack.AddReaction),
		actions.SlackUploadFile:   dispatch.ExecutorFunc(slack.UploadFile),
		actions.CreateIssue:       notConfigured("github"),
		actions.UpdateIssue:       notConfigured("github"),
		actions.CreatePullRequest: notConfigured("github"),
		actions.MergePullRequest:  notConfigured("github"),
		actions.CreateBranch:      notConfigured("github"),
		actions.CreateRepository:  notConfigured("github"),
	}
	if gh != nil {
		m[actions.CreateIssue] = dispatch.ExecutorFunc(gh.CreateIssue)
		m[actions.UpdateIssue] = dispatch.ExecutorFunc(gh.UpdateIssue)
		m[actions.CreatePullRequest] = dispatch.ExecutorFunc(gh.CreatePullRequest)
		m[actions.MergePullRequest] = dispatch.ExecutorFunc(gh.MergePullRequest)
		m[actions.CreateBranch] = dispatch.ExecutorFunc(gh.CreateBranch)
		m[actions.CreateRepository] = dispatch.ExecutorFunc(gh.CreateRepository)
	}
	return m, nil
}

// ErrNotConfigured is returned by executors whose service has no settings.
type ErrNotConfigured struct{ Service string }

func (e ErrNotConfigured) Error() string { return e.Service + " is not configured" }

func notConfigured(service string) dispatch.ExecutorFunc {
	return func(context.Context, storage.ProposedAction) (any, error) {
		return nil, ErrNotConfigured{Service: service}
	}
}

// Payload accessors. Payloads arrive as decoded JSON, so numbers are
// float64 and lists are []any.

func stringArg(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func requireString(p map[string]any, key string) (string, error) {
	s := stringArg(p, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func stringList(p map[string]any, key string) []string {
	var out []string
	switch v := p[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	}

	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

func boolArg(p map[string]any, key string, def bool) (bool, error) {
	switch v := p[key].(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return def, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
}

func intArg(p map[string]any, key string, def int) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return int(n), nil
	case string:
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}
