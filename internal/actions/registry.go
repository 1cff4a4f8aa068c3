// Package actions is the single list of action kinds. The decision engine's
// tool schemas, the set of valid action types and the dispatcher's executor
// table are all derived from it.
package actions

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/commander/internal/storage"
)

const (
	SendEmail         storage.ActionType = "gmail_send_email"
	CreateDraft       storage.ActionType = "gmail_create_draft"
	ScheduleMeeting   storage.ActionType = "schedule_meeting"
	CreateTodo        storage.ActionType = "create_todo"
	CreateIssue       storage.ActionType = "create_issue"
	UpdateIssue       storage.ActionType = "update_issue"
	CreatePullRequest storage.ActionType = "create_pull_request"
	MergePullRequest  storage.ActionType = "merge_pull_request"
	CreateBranch      storage.ActionType = "create_branch"
	CreateRepository  storage.ActionType = "create_repository"
	SlackPostMessage  storage.ActionType = "slack_post_message"
	SlackReply        storage.ActionType = "slack_reply_to_thread"
	SlackAddReaction  storage.ActionType = "slack_add_reaction"
	SlackUploadFile   storage.ActionType = "slack_upload_file"
)

// DefaultConfidence applies when the model omits a confidence value.
const DefaultConfidence = 0.7

// Param is one typed argument of an action kind.
type Param struct {
	Name        string
	Type        string // JSON Schema type: string, integer, number, boolean, array
	Items       string // element type for arrays
	Description string
	Required    bool
	Enum        []string
}

// Kind describes one action type: what the model is told about it, the
// arguments it accepts, and how a past action of this kind reads in history.
type Kind struct {
	Type        storage.ActionType
	Description string
	Params      []Param
	describe    func(payload map[string]any) string
}

var registry = []Kind{
	{
		Type:        SendEmail,
		Description: "Send an email. Use for replies or new emails when a response is clearly needed.",
		Params: []Param{
			{Name: "to_email", Type: "string", Description: "The recipient's email address", Required: true},
			{Name: "subject", Type: "string", Description: "The subject of the email", Required: true},
			{Name: "body", Type: "string", Description: "The body of the email (plain text or markdown)", Required: true},
			{Name: "thread_id", Type: "string", Description: "Message-ID of the email being replied to, if any"},
			{Name: "cc", Type: "array", Items: "string", Description: "CC recipients"},
			{Name: "bcc", Type: "array", Items: "string", Description: "BCC recipients"},
		},
		describe: func(p map[string]any) string { return "gmail_send_email to " + str(p, "to_email", "unknown") },
	},
	{
		Type:        CreateDraft,
		Description: "Create an email draft for the user to review before sending.",
		Params: []Param{
			{Name: "to_email", Type: "string", Description: "The recipient's email address", Required: true},
			{Name: "subject", Type: "string", Description: "The subject of the email", Required: true},
			{Name: "body", Type: "string", Description: "The body of the email (plain text or markdown)", Required: true},
			{Name: "thread_id", Type: "string", Description: "Message-ID of the email being replied to, if any"},
		},
		describe: func(p map[string]any) string { return "gmail_create_draft to " + str(p, "to_email", "unknown") },
	},
	{
		Type:        ScheduleMeeting,
		Description: "Schedule a meeting on the user's calendar.",
		Params: []Param{
			{Name: "meeting_title", Type: "string", Description: "Title of the meeting", Required: true},
			{Name: "meeting_description", Type: "string", Description: "Description of the meeting", Required: true},
			{Name: "meeting_time", Type: "string", Description: "Date and time of the meeting (ISO 8601)", Required: true},
			{Name: "duration_mins", Type: "integer", Description: "Duration of the meeting in minutes (default 30)"},
			{Name: "attendees", Type: "array", Items: "string", Description: "Attendee email addresses"},
		},
		describe: func(p map[string]any) string {
			return fmt.Sprintf("schedule_meeting: %s\nMeeting time: %s\nMeeting duration: %s minutes",
				str(p, "meeting_title", "meeting"), str(p, "meeting_time", "unknown"), str(p, "duration_mins", "unknown"))
		},
	},
	{
		Type:        CreateTodo,
		Description: "Create a follow-up task in the user's todo list.",
		Params: []Param{
			{Name: "title", Type: "string", Description: "Title of the todo item", Required: true},
			{Name: "notes", Type: "string", Description: "Additional notes"},
			{Name: "due_date", Type: "string", Description: "Due date (ISO 8601)"},
		},
		describe: func(p map[string]any) string { return "create_todo: " + str(p, "title", "task") },
	},
	{
		Type:        CreateIssue,
		Description: "Create a GitHub issue.",
		Params: []Param{
			{Name: "owner", Type: "string", Description: "Repository owner (username or org)", Required: true},
			{Name: "repo", Type: "string", Description: "Repository name", Required: true},
			{Name: "title", Type: "string", Description: "Issue title", Required: true},
			{Name: "body", Type: "string", Description: "Issue body"},
			{Name: "labels", Type: "array", Items: "string", Description: "Label names"},
		},
		describe: func(p map[string]any) string {
			return fmt.Sprintf("create_issue: %s/%s %s", str(p, "owner", "?"), str(p, "repo", "?"), str(p, "title", ""))
		},
	},
	{
		Type:        UpdateIssue,
		Description: "Update an existing GitHub issue.",
		Params: []Param{
			{Name: "owner", Type: "string", Description: "Repository owner (username or org)", Required: true},
			{Name: "repo", Type: "string", Description: "Repository name", Required: true},
			{Name: "issue_number", Type: "integer", Description: "Issue number", Required: true},
			{Name: "title", Type: "string", Description: "New title"},
			{Name: "body", Type: "string", Description: "New body"},
			{Name: "state", Type: "string", Description: "New state", Enum: []string{"open", "closed"}},
		},
	},
	{
		Type:        CreatePullRequest,
		Description: "Open a GitHub pull request.",
		Params: []Param{
			{Name: "owner", Type: "string", Description: "Repository owner (username or org)", Required: true},
			{Name: "repo", Type: "string", Description: "Repository name", Required: true},
			{Name: "title", Type: "string", Description: "PR title", Required: true},
			{Name: "head", Type: "string", Description: "Branch with the changes", Required: true},
			{Name: "base", Type: "string", Description: "Branch to merge into", Required: true},
			{Name: "body", Type: "string", Description: "PR description"},
		},
	},
	{
		Type:        MergePullRequest,
		Description: "Merge an open GitHub pull request.",
		Params: []Param{
			{Name: "owner", Type: "string", Description: "Repository owner (username or org)", Required: true},
			{Name: "repo", Type: "string", Description: "Repository name", Required: true},
			{Name: "pull_number", Type: "integer", Description: "Pull request number", Required: true},
			{Name: "merge_method", Type: "string", Description: "How to merge (default merge)", Enum: []string{"merge", "squash", "rebase"}},
			{Name: "commit_message", Type: "string", Description: "Custom merge commit message"},
		},
		describe: func(p map[string]any) string {
			return fmt.Sprintf("merge_pull_request: %s/%s #%s", str(p, "owner", "?"), str(p, "repo", "?"), str(p, "pull_number", "?"))
		},
	},
	{
		Type:        CreateBranch,
		Description: "Create a branch in a GitHub repository.",
		Params: []Param{
			{Name: "owner", Type: "string", Description: "Repository owner (username or org)", Required: true},
			{Name: "repo", Type: "string", Description: "Repository name", Required: true},
			{Name: "branch_name", Type: "string", Description: "Name of the new branch", Required: true},
			{Name: "source_branch", Type: "string", Description: "Branch to start from (default: the repository's default branch)"},
		},
	},
	{
		Type:        CreateRepository,
		Description: "Create a GitHub repository for the authenticated user.",
		Params: []Param{
			{Name: "name", Type: "string", Description: "Repository name", Required: true},
			{Name: "description", Type: "string", Description: "Repository description"},
			{Name: "private", Type: "boolean", Description: "Whether the repository is private (default false)"},
			{Name: "auto_init", Type: "boolean", Description: "Initialize with a README (default true)"},
		},
		describe: func(p map[string]any) string { return "create_repository: " + str(p, "name", "?") },
	},
	{
		Type:        SlackPostMessage,
		Description: "Post a message to a Slack channel.",
		Params: []Param{
			{Name: "channel", Type: "string", Description: "Channel ID or name (e.g. 'C1234567890' or '#general')", Required: true},
			{Name: "text", Type: "string", Description: "The message text", Required: true},
		},
		describe: func(p map[string]any) string { return "slack_post_message to " + str(p, "channel", "unknown") },
	},
	{
		Type:        SlackReply,
		Description: "Reply in a Slack thread.",
		Params: []Param{
			{Name: "channel", Type: "string", Description: "Channel ID where the thread exists", Required: true},
			{Name: "thread_ts", Type: "string", Description: "Timestamp of the parent message", Required: true},
			{Name: "text", Type: "string", Description: "The reply text", Required: true},
		},
	},
	{
		Type:        SlackAddReaction,
		Description: "Add an emoji reaction to a Slack message.",
		Params: []Param{
			{Name: "channel", Type: "string", Description: "Channel ID where the message exists", Required: true},
			{Name: "timestamp", Type: "string", Description: "Timestamp of the message", Required: true},
			{Name: "name", Type: "string", Description: "Emoji name without colons, e.g. 'thumbsup'", Required: true},
		},
	},
	{
		Type:        SlackUploadFile,
		Description: "Share a text file (notes, summary, snippet) in a Slack channel.",
		Params: []Param{
			{Name: "channel", Type: "string", Description: "Channel ID to share the file in", Required: true},
			{Name: "filename", Type: "string", Description: "File name, e.g. 'notes.md'", Required: true},
			{Name: "content", Type: "string", Description: "Text content of the file", Required: true},
			{Name: "title", Type: "string", Description: "Title shown in Slack"},
			{Name: "initial_comment", Type: "string", Description: "Message posted with the file"},
			{Name: "thread_ts", Type: "string", Description: "Timestamp of a parent message to share into its thread"},
		},
		describe: func(p map[string]any) string { return "slack_upload_file to " + str(p, "channel", "unknown") },
	},
}

var byType = func() map[storage.ActionType]int {
	m := make(map[storage.ActionType]int, len(registry))
	for i, k := range registry {
		if _, dup := m[k.Type]; dup {
			panic("actions: duplicate kind " + string(k.Type))
		}
		m[k.Type] = i
	}
	return m
}()

// All returns every registered kind in registration order.
func All() []Kind {
	out := make([]Kind, len(registry))
	copy(out, registry)
	return out
}

// Types returns every registered action type in registration order.
func Types() []storage.ActionType {
	out := make([]storage.ActionType, len(registry))
	for i, k := range registry {
		out[i] = k.Type
	}
	return out
}

// Lookup returns the kind registered for t.
func Lookup(t storage.ActionType) (Kind, bool) {
	i, ok := byType[t]
	if !ok {
		return Kind{}, false
	}
	return registry[i], true
}

// Valid reports whether t is a registered action type.
func Valid(t storage.ActionType) bool {
	_, ok := byType[t]
	return ok
}

// Schema returns the JSON Schema of the kind's arguments, including the
// confidence field every kind accepts.
func (k Kind) Schema() json.RawMessage {
	props := make(map[string]any, len(k.Params)+1)
	required := []string{}
	for _, p := range k.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	props["confidence"] = map[string]any{
		"type":        "number",
		"minimum":     0,
		"maximum":     1,
		"description": "Model confidence in this action, between 0.5 (uncertain) and 0.95 (very confident)",
	}

	b, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	if err != nil {
		panic(fmt.Sprintf("actions: schema for %s: %v", k.Type, err))
	}
	return b
}

// Describe renders the short history form of a past action payload. Kinds
// without a renderer fall back to the bare type tag.
func (k Kind) Describe(payload map[string]any) string {
	if k.describe == nil {
		return string(k.Type)
	}
	return k.describe(payload)
}

// HistoryLine renders a stored action for the decision prompt's history
// blocks.
func HistoryLine(a storage.ProposedAction) string {
	desc := string(a.Type)
	if k, ok := Lookup(a.Type); ok {
		desc = k.Describe(a.Payload)
	}
	return fmt.Sprintf("  - %s (status: %s, confidence: %.2f)", desc, a.Status, a.Confidence)
}

func str(p map[string]any, key, fallback string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return fallback
		}
		return s
	}
	return fmt.Sprint(v)
}
