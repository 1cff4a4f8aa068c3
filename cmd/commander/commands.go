package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/commander/internal/adapters"
	"github.com/kalambet/commander/internal/api"
	"github.com/kalambet/commander/internal/config"
	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest an email, Slack message or meeting transcript",
}

var ingestEmailCmd = &cobra.Command{
	Use:   "email",
	Short: "Ingest an email",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		id, _ := f.GetString("id")
		from, _ := f.GetString("from")
		to, _ := f.GetStringSlice("to")
		subject, _ := f.GetString("subject")
		thread, _ := f.GetString("thread")

		body, err := textFlag(cmd, "body", "body-file")
		if err != nil {
			return err
		}
		received, err := timeFlag(cmd, "received")
		if err != nil {
			return err
		}

		return postIngest(cmd, api.IngestRequest{Email: &adapters.Email{
			ID:         id,
			ThreadID:   thread,
			FromEmail:  from,
			To:         to,
			Subject:    subject,
			BodyText:   body,
			ReceivedAt: received,
		}})
	},
}

var ingestSlackCmd = &cobra.Command{
	Use:   "slack",
	Short: "Ingest a Slack message",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		channel, _ := f.GetString("channel")
		channelName, _ := f.GetString("channel-name")
		user, _ := f.GetString("user")
		userName, _ := f.GetString("user-name")
		ts, _ := f.GetString("ts")
		threadTS, _ := f.GetString("thread-ts")

		text, err := textFlag(cmd, "text", "text-file")
		if err != nil {
			return err
		}
		sent, err := slackTime(ts)
		if err != nil {
			return err
		}
		if userName == "" {
			userName = user
		}

		return postIngest(cmd, api.IngestRequest{Slack: &adapters.SlackMessage{
			ID:          channel + ":" + ts,
			ChannelID:   channel,
			ChannelName: channelName,
			UserID:      user,
			UserName:    userName,
			Text:        text,
			ThreadTS:    threadTS,
			Timestamp:   sent,
		}})
	},
}

var ingestMeetingCmd = &cobra.Command{
	Use:   "meeting",
	Short: "Ingest a meeting transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		id, _ := f.GetString("id")
		title, _ := f.GetString("title")
		participants, _ := f.GetStringSlice("participants")
		duration, _ := f.GetInt("duration")

		transcript, err := textFlag(cmd, "transcript", "transcript-file")
		if err != nil {
			return err
		}
		at, err := timeFlag(cmd, "time")
		if err != nil {
			return err
		}

		return postIngest(cmd, api.IngestRequest{Meeting: &adapters.Meeting{
			ID:           id,
			Title:        title,
			Participants: participants,
			Transcript:   transcript,
			MeetingTime:  at,
			DurationMins: duration,
		}})
	},
}

func init() {
	ingestCmd.PersistentFlags().Bool("async", false, "queue for the background worker instead of deciding now")

	f := ingestEmailCmd.Flags()
	f.String("id", "", "message id")
	f.String("from", "", "sender address")
	f.StringSlice("to", nil, "recipient addresses")
	f.String("subject", "", "subject line")
	f.String("body", "", "plain-text body")
	f.String("body-file", "", "read the body from a file (- for stdin)")
	f.String("thread", "", "thread id")
	f.String("received", "", "RFC3339 receive time (default now)")
	ingestEmailCmd.MarkFlagRequired("id")
	ingestEmailCmd.MarkFlagRequired("from")

	f = ingestSlackCmd.Flags()
	f.String("channel", "", "channel id")
	f.String("channel-name", "", "channel name")
	f.String("user", "", "author user id")
	f.String("user-name", "", "author display name")
	f.String("text", "", "message text")
	f.String("text-file", "", "read the text from a file (- for stdin)")
	f.String("ts", "", "message timestamp, e.g. 1717232400.000100")
	f.String("thread-ts", "", "parent thread timestamp")
	ingestSlackCmd.MarkFlagRequired("channel")
	ingestSlackCmd.MarkFlagRequired("ts")

	f = ingestMeetingCmd.Flags()
	f.String("id", "", "meeting id")
	f.String("title", "", "meeting title")
	f.StringSlice("participants", nil, "participant names")
	f.String("transcript", "", "transcript text")
	f.String("transcript-file", "", "read the transcript from a file (- for stdin)")
	f.String("time", "", "RFC3339 start time (default now)")
	f.Int("duration", 0, "duration in minutes")
	ingestMeetingCmd.MarkFlagRequired("id")
	ingestMeetingCmd.MarkFlagRequired("title")

	ingestCmd.AddCommand(ingestEmailCmd, ingestSlackCmd, ingestMeetingCmd)
}

func postIngest(cmd *cobra.Command, req api.IngestRequest) error {
	req.Async, _ = cmd.Flags().GetBool("async")

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), "/ingest", req)
	if err != nil {
		return err
	}

	var res pipeline.Result
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	switch res.Status {
	case pipeline.StatusDuplicate:
		printWarning("Already processed (context %s)", res.ContextID)
	case pipeline.StatusQueued:
		printSuccess("Queued for processing (context %s)", res.ContextID)
	default:
		printSuccess("Processed context %s: %d action(s) proposed", res.ContextID, len(res.Actions))
		if len(res.Actions) > 0 {
			printActions(res.Actions, time.Now())
		}
	}
	return nil
}

// textFlag returns the inline flag value, or the contents of the file flag.
func textFlag(cmd *cobra.Command, inline, file string) (string, error) {
	if path, _ := cmd.Flags().GetString(file); path != "" {
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return "", fmt.Errorf("reading --%s: %w", file, err)
		}
		return string(data), nil
	}
	v, _ := cmd.Flags().GetString(inline)
	return v, nil
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// slackTime parses a Slack "seconds.micros" timestamp.
func slackTime(ts string) (time.Time, error) {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q", ts)
	}
	var micros int64
	if frac != "" {
		if micros, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("invalid slack timestamp %q", ts)
		}
	}
	return time.Unix(s, micros*1000).UTC(), nil
}

// --- actions ---

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Review proposed actions",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposed actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if status != "" && status != "all" {
			q.Set("status", status)
		}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		resp, err := client.get(cmd.Context(), "/actions?"+q.Encode())
		if err != nil {
			return err
		}

		var list []storage.ProposedAction
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if asJSON {
			return printJSON(list)
		}
		printActions(list, time.Now())
		return nil
	},
}

var actionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one action with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseActionID(args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/actions/%d", id))
		if err != nil {
			return err
		}
		var a storage.ProposedAction
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		if asJSON {
			return printJSON(a)
		}
		return printAction(a)
	},
}

var actionsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve and execute an action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionAction(cmd, args[0], "approve")
	},
}

var actionsSkipCmd = &cobra.Command{
	Use:   "skip <id>",
	Short: "Skip an action without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionAction(cmd, args[0], "skip")
	},
}

func transitionAction(cmd *cobra.Command, arg, verb string) error {
	id, err := parseActionID(arg)
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), fmt.Sprintf("/actions/%d/%s", id, verb), nil)
	if err != nil {
		return err
	}
	var a storage.ProposedAction
	if err := decodeJSON(resp, &a); err != nil {
		return err
	}

	switch a.Status {
	case storage.StatusExecuted:
		printSuccess("Action %d executed", a.ID)
	case storage.StatusSkipped:
		printSuccess("Action %d skipped", a.ID)
	case storage.StatusError:
		msg, _ := a.Result["error"].(string)
		printError("Action %d failed: %s", a.ID, msg)
		return fmt.Errorf("action %d failed", a.ID)
	default:
		printStatus("Action", "%d is %s", a.ID, a.Status)
	}
	return nil
}

var actionsEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an action's payload (inline JSON or $EDITOR)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseActionID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var payload map[string]any
		if raw, _ := cmd.Flags().GetString("payload"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("invalid --payload JSON: %w", err)
			}
		} else {
			resp, err := client.get(cmd.Context(), fmt.Sprintf("/actions/%d", id))
			if err != nil {
				return err
			}
			var a storage.ProposedAction
			if err := decodeJSON(resp, &a); err != nil {
				return err
			}
			if payload, err = editJSON(a.Payload, "commander-action-*.json"); err != nil {
				return err
			}
		}

		resp, err := client.patch(cmd.Context(), fmt.Sprintf("/actions/%d", id), map[string]any{"payload": payload})
		if err != nil {
			return err
		}
		var a storage.ProposedAction
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printSuccess("Action %d updated", a.ID)
		return nil
	},
}

var actionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete actions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := parseActionID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/actions/delete", map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		var res struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Deleted %d of %d action(s)", res.Deleted, len(ids))
		return nil
	},
}

func init() {
	actionsListCmd.Flags().String("status", "pending", "pending, executed, skipped, error or all")
	actionsListCmd.Flags().Int("limit", 20, "maximum number of actions to list")
	actionsListCmd.Flags().Int("offset", 0, "number of actions to skip")
	actionsListCmd.Flags().Bool("json", false, "print JSON")
	actionsShowCmd.Flags().Bool("json", false, "print JSON")
	actionsEditCmd.Flags().String("payload", "", "replacement payload as JSON")

	actionsCmd.AddCommand(actionsListCmd, actionsShowCmd, actionsApproveCmd, actionsSkipCmd, actionsEditCmd, actionsDeleteCmd)
}

func parseActionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid action id %q", s)
	}
	return id, nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over ingested contexts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		sourceType, _ := cmd.Flags().GetString("source-type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"query": query, "limit": limit}
		if sourceType != "" {
			body["source_type"] = sourceType
		}
		if cmd.Flags().Changed("threshold") {
			th, _ := cmd.Flags().GetFloat32("threshold")
			body["score_threshold"] = th
		}
		resp, err := client.post(cmd.Context(), "/contexts/similar", body)
		if err != nil {
			return err
		}

		var results []struct {
			Context storage.ContextItem `json:"context"`
			Score   float32             `json:"score"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Fprintln(stdout, "No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Fprintf(stdout, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			fmt.Fprintf(stdout, "  %s from %s at %s\n", r.Context.SourceType, r.Context.Sender, r.Context.Timestamp.Local().Format(time.RFC1123))
			if r.Context.Summary != "" {
				fmt.Fprintf(stdout, "  %s\n", r.Context.Summary)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("source-type", "", "restrict to one source type")
	searchCmd.Flags().Float32("threshold", 0, "minimum similarity score")
}

// --- todos ---

var todosCmd = &cobra.Command{
	Use:   "todos",
	Short: "List todos created from approved actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/todos"
		if all {
			path += "?include_done=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var todos []storage.Todo
		if err := decodeJSON(resp, &todos); err != nil {
			return err
		}

		if len(todos) == 0 {
			fmt.Fprintln(stdout, "No todos.")
			return nil
		}
		for _, td := range todos {
			box := "[ ]"
			if td.Done {
				box = "[x]"
			}
			line := fmt.Sprintf("%s %d  %s", box, td.ID, td.Title)
			if td.DueDate != "" {
				line += colorize(colorCyan, "  due "+td.DueDate)
			}
			fmt.Fprintln(stdout, line)
			if td.Notes != "" {
				fmt.Fprintf(stdout, "      %s\n", td.Notes)
			}
		}
		return nil
	},
}

func init() {
	todosCmd.Flags().Bool("all", false, "include completed todos")
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the profile used when deciding",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profile")
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field (JSON values for lists and maps)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/profile", map[string]any{key: profileValue(raw)})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, raw)
		return nil
	},
}

var profileEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open profile JSON in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profile")
		if err != nil {
			return err
		}
		var current map[string]any
		if err := decodeJSON(resp, &current); err != nil {
			return err
		}

		edited, err := editJSON(flattenProfile(current), "commander-profile-*.json")
		if err != nil {
			return err
		}

		patchResp, err := client.patch(cmd.Context(), "/profile", edited)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(patchResp, &result); err != nil {
			return err
		}

		printSuccess("Profile updated")
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileShowCmd, profileSetCmd, profileEditCmd)
}

// profileValue decodes JSON lists and objects; anything else is a string.
func profileValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var v any
		if json.Unmarshal([]byte(trimmed), &v) == nil {
			return v
		}
	}
	return raw
}

// flattenProfile maps the nested profile document onto the dotted keys
// PATCH /profile accepts.
func flattenProfile(p map[string]any) map[string]any {
	out := map[string]any{}
	for _, section := range []string{"identity", "communication"} {
		if m, ok := p[section].(map[string]any); ok {
			for k, v := range m {
				out[section+"."+k] = v
			}
		}
	}
	for _, k := range []string{"priority_contacts", "working_context", "preferences"} {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	return out
}

// editJSON opens v in $EDITOR and returns the edited document.
func editJSON(v any, pattern string) (map[string]any, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}

	tmpFile, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return nil, err
	}
	tmpFile.Close()

	editorCmd := exec.Command(editor, tmpPath)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return nil, fmt.Errorf("editor exited with error: %w", err)
	}

	edited, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(edited, &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <owner>",
	Short: "Issue a bearer token scoped to owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner := strings.TrimSpace(args[0])
		if owner == "" {
			return fmt.Errorf("owner is required")
		}
		label, _ := cmd.Flags().GetString("label")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		token, err := config.NewToken()
		if err != nil {
			return err
		}
		if err := store.SaveAPIToken(cmd.Context(), token, owner, label); err != nil {
			return err
		}

		fmt.Fprintln(stdout, token)
		printSuccess("Token created for %s; it is shown only once", owner)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <owner>",
	Short: "Revoke every token of owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := store.RevokeOwnerTokens(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSuccess("Revoked %d token(s) of %s", n, args[0])
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().String("label", "cli", "label stored with the token")
	tokenCmd.AddCommand(tokenCreateCmd, tokenRevokeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
