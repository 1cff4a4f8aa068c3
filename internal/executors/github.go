package executors

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/kalambet/commander/internal/storage"
)

// GitHubConfig holds the GitHub token and an optional Enterprise URL.
type GitHubConfig struct {
	Token   string
	BaseURL string
}

// GitHub executes the repository, branch, issue and pull request kinds.
type GitHub struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewGitHub creates a GitHub executor. baseURL selects a GitHub Enterprise
// server; empty means github.com.
func NewGitHub(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*GitHub, error) {
	client := gogithub.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise url %q: %w", baseURL, err)
		}
	}
	return &GitHub{client: client, logger: logger}, nil
}

// repoArgs reads owner and repo from the payload. repo may also be given in
// "owner/repo" form.
func repoArgs(p map[string]any) (string, string, error) {
	owner, repo := stringArg(p, "owner"), stringArg(p, "repo")
	if owner == "" && strings.Contains(repo, "/") {
		return splitRepo(repo)
	}
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("owner and repo are required")
	}
	return owner, repo, nil
}

func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below 100.
func (g *GitHub) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

func (g *GitHub) CreateIssue(ctx context.Context, a storage.ProposedAction) (any, error) {
	owner, repo, err := repoArgs(a.Payload)
	if err != nil {
		return nil, err
	}
	title, err := requireString(a.Payload, "title")
	if err != nil {
		return nil, err
	}

	req := &gogithub.IssueRequest{Title: &title}
	if body := stringArg(a.Payload, "body"); body != "" {
		req.Body = &body
	}
	if labels := stringList(a.Payload, "labels"); len(labels) > 0 {
		req.Labels = &labels
	}

	issue, resp, err := g.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	g.checkRateLimit(resp)
	return map[string]any{
		"success": true,
		"number":  issue.GetNumber(),
		"url":     issue.GetHTMLURL(),
	}, nil
}

func (g *GitHub) UpdateIssue(ctx context.Context, a storage.ProposedAction) (any, error) {
	owner, repo, err := repoArgs(a.Payload)
	if err != nil {
		return nil, err
	}
	number, err := intArg(a.Payload, "issue_number", 0)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, fmt.Errorf("issue_number is required")
	}

	req := &gogithub.IssueRequest{}
	if title := stringArg(a.Payload, "title"); title != "" {
		req.Title = &title
	}
	if body := stringArg(a.Payload, "body"); body != "" {
		req.Body = &body
	}
	if state := stringArg(a.Payload, "state"); state != "" {
		if state != "open" && state != "closed" {
			return nil, fmt.Errorf("state must be open or closed, got %q", state)
		}
		req.State = &state
	}

	issue, resp, err := g.client.Issues.Edit(ctx, owner, repo, number, req)
	if err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	g.checkRateLimit(resp)
	return map[string]any{
		"success": true,
		"number":  issue.GetNumber(),
		"state":   issue.GetState(),
		"url":     issue.GetHTMLURL(),
	}, nil
}

func (g *GitHub) CreatePullRequest(ctx context.Context, a storage.ProposedAction) (any, error) {
	owner, repo, err := repoArgs(a.Payload)
	if err != nil {
		return nil, err
	}
	var fields [3]string
	for i, key := range []string{"title", "head", "base"} {
		if fields[i], err = requireString(a.Payload, key); err != nil {
			return nil, err
		}
	}

	req := &gogithub.NewPullRequest{Title: &fields[0], Head: &fields[1], Base: &fields[2]}
	if body := stringArg(a.Payload, "body"); body != "" {
		req.Body = &body
	}

	pr, resp, err := g.client.PullRequests.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	g.checkRateLimit(resp)
	return map[string]any{
		"success": true,
		"number":  pr.GetNumber(),
		"url":     pr.GetHTMLURL(),
	}, nil
}

var mergeMethods = map[string]bool{"merge": true, "squash": true, "rebase": true}

func (g *GitHub) MergePullRequest(ctx context.Context, a storage.ProposedAction) (any, error) {
	owner, repo, err := repoArgs(a.Payload)
	if err != nil {
		return nil, err
	}
	number, err := intArg(a.Payload, "pull_number", 0)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, fmt.Errorf("pull_number is required")
	}
	method := stringArg(a.Payload, "merge_method")
	if method == "" {
		method = "merge"
	}
	if !mergeMethods[method] {
		return nil, fmt.Errorf("merge_method must be merge, squash or rebase, got %q", method)
	}

	result, resp, err := g.client.PullRequests.Merge(ctx, owner, repo, number,
		stringArg(a.Payload, "commit_message"), &gogithub.PullRequestOptions{MergeMethod: method})
	if err != nil {
		return nil, fmt.Errorf("merge pull request: %w", err)
	}
	g.checkRateLimit(resp)
	return map[string]any{
		"success": result.GetMerged(),
		"merged":  result.GetMerged(),
		"sha":     result.GetSHA(),
		"message": result.GetMessage(),
	}, nil
}

// CreateBranch points a new branch at the head of source_branch, or of the
// repository's default branch when none is given.
func (g *GitHub) CreateBranch(ctx context.Context, a storage.ProposedAction) (any, error) {
	owner, repo, err := repoArgs(a.Payload)
	if err != nil {
		return nil, err
	}
	name, err := requireString(a.Payload, "branch_name")
	if err != nil {
		return nil, err
	}

	source := stringArg(a.Payload, "source_branch")
	if source == "" {
		r, resp, err := g.client.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return nil, fmt.Errorf("get repository: %w", err)
		}
		g.checkRateLimit(resp)
		source = r.GetDefaultBranch()
	}

	base, _, err := g.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+source)
	if err != nil {
		return nil, fmt.Errorf("get ref %s: %w", source, err)
	}

	ref, resp, err := g.client.Git.CreateRef(ctx, owner, repo, &gogithub.Reference{
		Ref:    gogithub.Ptr("refs/heads/" + name),
		Object: &gogithub.GitObject{SHA: base.GetObject().SHA},
	})
	if err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	g.checkRateLimit(resp)
	return map[string]any{
		"success": true,
		"branch":  name,
		"sha":     ref.GetObject().GetSHA(),
	}, nil
}

// CreateRepository creates a repository owned by the token's user.
func (g *GitHub) CreateRepository(ctx context.Context, a storage.ProposedAction) (any, error) {
	name, err := requireString(a.Payload, "name")
	if err != nil {
		return nil, err
	}
	private, err := boolArg(a.Payload, "private", false)
	if err != nil {
		return nil, err
	}
	autoInit, err := boolArg(a.Payload, "auto_init", true)
	if err != nil {
		return nil, err
	}

	r, resp, err := g.client.Repositories.Create(ctx, "", &gogithub.Repository{
		Name:        &name,
		Description: gogithub.Ptr(stringArg(a.Payload, "description")),
		Private:     &private,
		AutoInit:    &autoInit,
	})
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	g.checkRateLimit(resp)
	return map[string]any{
		"success":   true,
		"name":      r.GetName(),
		"full_name": r.GetFullName(),
		"url":       r.GetHTMLURL(),
		"private":   r.GetPrivate(),
	}, nil
}
