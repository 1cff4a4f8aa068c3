package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kalambet/commander/internal/storage"
)

const defaultSlackBaseURL = "https://slack.com/api"

// SlackConfig holds the bot token and Web API base URL.
type SlackConfig struct {
	Token   string
	BaseURL string
}

// Slack calls the Slack Web API. Responses are returned as decoded, so
// failures arrive in Slack's own {"ok": false, "error": "..."} shape.
type Slack struct {
	http    *http.Client
	token   string
	baseURL string
}

func NewSlack(httpClient *http.Client, cfg SlackConfig) *Slack {
	base := cfg.BaseURL
	if base == "" {
		base = defaultSlackBaseURL
	}
	return &Slack{http: httpClient, token: cfg.Token, baseURL: strings.TrimRight(base, "/")}
}

func (s *Slack) PostMessage(ctx context.Context, a storage.ProposedAction) (any, error) {
	body, err := slackArgs(a.Payload, "channel", "text")
	if err != nil {
		return nil, err
	}
	return s.call(ctx, "chat.postMessage", body)
}

func (s *Slack) Reply(ctx context.Context, a storage.ProposedAction) (any, error) {
	body, err := slackArgs(a.Payload, "channel", "thread_ts", "text")
	if err != nil {
		return nil, err
	}
	return s.call(ctx, "chat.postMessage", body)
}

func (s *Slack) AddReaction(ctx context.Context, a storage.ProposedAction) (any, error) {
	body, err := slackArgs(a.Payload, "channel", "timestamp", "name")
	if err != nil {
		return nil, err
	}
	body["name"] = strings.Trim(body["name"], ":")
	return s.call(ctx, "reactions.add", body)
}

func slackArgs(p map[string]any, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := requireString(p, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// UploadFile shares a text file in a channel through Slack's external upload
// flow: reserve an upload URL, send the bytes, then complete the upload into
// the channel.
func (s *Slack) UploadFile(ctx context.Context, a storage.ProposedAction) (any, error) {
	args, err := slackArgs(a.Payload, "channel", "filename", "content")
	if err != nil {
		return nil, err
	}
	content := []byte(args["content"])

	reserved, err := s.callForm(ctx, "files.getUploadURLExternal", url.Values{
		"filename": {args["filename"]},
		"length":   {strconv.Itoa(len(content))},
	})
	if err != nil || reserved["ok"] != true {
		return reserved, err
	}
	uploadURL, _ := reserved["upload_url"].(string)
	fileID, _ := reserved["file_id"].(string)
	if uploadURL == "" || fileID == "" {
		return nil, fmt.Errorf("slack files.getUploadURLExternal: response without upload_url or file_id")
	}

	if err := s.upload(ctx, uploadURL, args["filename"], content); err != nil {
		return nil, err
	}

	title := stringArg(a.Payload, "title")
	if title == "" {
		title = args["filename"]
	}
	files, err := json.Marshal([]map[string]string{{"id": fileID, "title": title}})
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}
	form := url.Values{"files": {string(files)}, "channel_id": {args["channel"]}}
	if comment := stringArg(a.Payload, "initial_comment"); comment != "" {
		form.Set("initial_comment", comment)
	}
	if ts := stringArg(a.Payload, "thread_ts"); ts != "" {
		form.Set("thread_ts", ts)
	}
	return s.callForm(ctx, "files.completeUploadExternal", form)
}

func (s *Slack) upload(ctx context.Context, uploadURL, filename string, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack upload %s: %w", filename, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack upload %s: status %d", filename, resp.StatusCode)
	}
	return nil
}

func (s *Slack) call(ctx context.Context, method string, body map[string]string) (map[string]any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	return s.post(ctx, method, "application/json; charset=utf-8", bytes.NewReader(b))
}

// callForm is for Web API methods that take form-encoded arguments.
func (s *Slack) callForm(ctx context.Context, method string, form url.Values) (map[string]any, error) {
	return s.post(ctx, method, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (s *Slack) post(ctx context.Context, method, contentType string, body io.Reader) (map[string]any, error) {
	if s.token == "" {
		return nil, ErrNotConfigured{Service: "slack"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+method, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("slack %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return out, nil
}
