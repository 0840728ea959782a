package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// BranchPrefix is the deterministic head-branch namespace agents push to.
const BranchPrefix = "coderelay/"

// CIState is the aggregate check state of a commit.
type CIState string

const (
	CISuccess CIState = "SUCCESS"
	CIPending CIState = "PENDING"
	CIFailure CIState = "FAILURE"
)

// PRInfo is the subset of pull-request data outcome classification needs.
type PRInfo struct {
	Number  int
	Title   string
	Body    string
	URL     string
	HeadRef string
	HeadSHA string
	Commits int
}

// BranchForTask returns the head branch an agent pushes for a task. The
// slug wins when present; otherwise the taskId itself names the branch.
func BranchForTask(taskID, slug string) string {
	if slug != "" {
		return BranchPrefix + slug
	}
	return BranchPrefix + taskID
}

// FindTaskPR looks up the pull request whose head branch matches the task's
// deterministic branch name. Returns nil when no PR exists.
func (c *Client) FindTaskPR(ctx context.Context, repository, branch string) (*PRInfo, error) {
	owner, repo, err := ParseRepository(repository)
	if err != nil {
		return nil, err
	}

	opts := &github.PullRequestListOptions{
		Head:        fmt.Sprintf("%s:%s", owner, branch),
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 10},
	}
	prs, _, err := c.api.PullRequests.List(ctx, owner, repo, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s:%s: %w", repository, branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	// The list endpoint omits the commit count, so fetch the full record.
	pr, _, err := c.api.PullRequests.Get(ctx, owner, repo, prs[0].GetNumber())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull request #%d: %w", prs[0].GetNumber(), err)
	}

	info := &PRInfo{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		URL:     pr.GetHTMLURL(),
		Commits: pr.GetCommits(),
	}
	if head := pr.GetHead(); head != nil {
		info.HeadRef = head.GetRef()
		info.HeadSHA = head.GetSHA()
	}
	return info, nil
}

// CheckCIStatus aggregates the check runs for a commit into a single state.
// No check runs at all counts as success: repositories without CI should not
// fail their tasks.
func (c *Client) CheckCIStatus(ctx context.Context, repository, sha string) (CIState, error) {
	owner, repo, err := ParseRepository(repository)
	if err != nil {
		return CIFailure, err
	}

	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var runs []*github.CheckRun
	for {
		result, resp, err := c.api.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
		if err != nil {
			return CIFailure, fmt.Errorf("failed to list check runs for %s@%s: %w", repository, sha, err)
		}
		runs = append(runs, result.CheckRuns...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return aggregateCheckRuns(runs), nil
}

func aggregateCheckRuns(runs []*github.CheckRun) CIState {
	pending := false
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			pending = true
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			// failure, timed_out, cancelled, action_required, stale
			return CIFailure
		}
	}
	if pending {
		return CIPending
	}
	return CISuccess
}

// Summarize produces the webhook-facing summary from a PR's title and body.
func (p *PRInfo) Summarize() string {
	title := strings.TrimSpace(p.Title)
	body := strings.TrimSpace(p.Body)
	if body == "" {
		return title
	}
	const bodyLimit = 500
	if len(body) > bodyLimit {
		body = body[:bodyLimit] + "…"
	}
	if title == "" {
		return body
	}
	return title + "\n\n" + body
}
