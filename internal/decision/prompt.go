package decision

import (
	"fmt"
	"strings"

	"github.com/kalambet/commander/internal/actions"
	"github.com/kalambet/commander/internal/history"
	"github.com/kalambet/commander/internal/llm"
	"github.com/kalambet/commander/internal/storage"
)

const systemPromptHeader = `You are Commander, an executive assistant that helps manage work communications.

For each input context (email, Slack message, meeting transcript, calendar event), decide which actions to take by calling the available tools. Call no tool at all when the input is informational only and needs no response.

Available actions:`

const systemPromptGuidelines = `Guidelines:
- You may call multiple tools if multiple actions are needed.
- Review the related context and recent activity to avoid duplicate work.
- If an action for the same request already appears in the history, do not repeat it.
- Keep messages concise and professional.
- Set 'confidence' between 0.5 (uncertain) and 0.95 (very confident).`

const (
	relatedHeader = "=== RELATED CONTEXT (semantically similar) ==="
	recentHeader  = "=== RECENT ACTIVITY ==="
	currentHeader = "=== CURRENT INPUT (decide actions for this) ==="
	actionsMarker = "----- ACTIONS TAKEN -----"
	noneMarker    = "None"
)

// SystemPrompt renders the fixed instruction listing every registered action
// kind, followed by the owner's profile summary when one is set.
func SystemPrompt(profileSummary string) string {
	var sb strings.Builder
	sb.WriteString(systemPromptHeader)
	sb.WriteString("\n")
	for _, k := range actions.All() {
		fmt.Fprintf(&sb, "- %s: %s\n", k.Type, k.Description)
	}
	sb.WriteString("\n")
	sb.WriteString(systemPromptGuidelines)

	if profileSummary != "" {
		fmt.Fprintf(&sb, "\n\n[User Profile]\n%s", profileSummary)
	}
	return sb.String()
}

// UserPrompt renders the history blocks followed by the current context.
// Empty history tracks are omitted entirely.
func UserPrompt(current storage.ContextItem, h history.History) string {
	var sb strings.Builder
	writeBlock(&sb, relatedHeader, h.Similar)
	writeBlock(&sb, recentHeader, h.Recent)

	sb.WriteString(currentHeader)
	sb.WriteString("\n\n")
	sb.WriteString(current.ContextText)
	return sb.String()
}

func writeBlock(sb *strings.Builder, header string, entries []history.Entry) {
	if len(entries) == 0 {
		return
	}
	sb.WriteString(header)
	sb.WriteString("\n\n")
	for _, e := range entries {
		sb.WriteString(e.Context.ContextText)
		sb.WriteString("\n")
		sb.WriteString(actionsMarker)
		sb.WriteString("\n")
		if len(e.Actions) == 0 {
			sb.WriteString(noneMarker)
			sb.WriteString("\n")
		}
		for _, a := range e.Actions {
			sb.WriteString(actions.HistoryLine(a))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
}

// Tools binds one function tool per registered action kind.
func Tools() []llm.Tool {
	kinds := actions.All()
	tools := make([]llm.Tool, len(kinds))
	for i, k := range kinds {
		tools[i] = llm.Tool{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        string(k.Type),
				Description: k.Description,
				Parameters:  k.Schema(),
			},
		}
	}
	return tools
}

// BuildMessages assembles the system and user messages for one decision.
func BuildMessages(current storage.ContextItem, h history.History, profileSummary string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: SystemPrompt(profileSummary)},
		{Role: "user", Content: UserPrompt(current, h)},
	}
}
