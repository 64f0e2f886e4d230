// Package github provides the scm and ci capabilities backed by GitHub.
// Worktree operations go through go-git; pull requests and workflow
// dispatches go through the REST API.
package github

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"storyline/internal/capability"
	"storyline/internal/domain"
)

const (
	defaultTokenEnv   = "GITHUB_TOKEN"
	defaultBaseBranch = "main"
)

// SCM implements the scm capability against GitHub.
type SCM struct {
	client      *gh.Client
	token       string
	baseBranch  string
	authorName  string
	authorEmail string
	Now         func() time.Time
}

// NewSCM builds the provider from capability settings. Recognized keys:
// token_env, base_branch, author_name, author_email.
func NewSCM(settings map[string]string) (capability.Provider, error) {
	tokenEnv := settings["token_env"]
	if tokenEnv == "" {
		tokenEnv = defaultTokenEnv
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("environment variable %s is not set", tokenEnv)
	}
	s := &SCM{
		client:      newClient(token),
		token:       token,
		baseBranch:  defaultBaseBranch,
		authorName:  "storyline",
		authorEmail: "storyline@localhost",
		Now:         time.Now,
	}
	if b := settings["base_branch"]; b != "" {
		s.baseBranch = b
	}
	if n := settings["author_name"]; n != "" {
		s.authorName = n
	}
	if e := settings["author_email"]; e != "" {
		s.authorEmail = e
	}
	return s, nil
}

func newClient(token string) *gh.Client {
	tc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	))
	return gh.NewClient(tc)
}

func (s *SCM) Name() string { return "github" }

// Health verifies the token by asking who it belongs to.
func (s *SCM) Health(ctx context.Context) domain.HealthStatus {
	start := s.Now()
	status := domain.HealthStatus{CheckedAt: start.UTC().Format(time.RFC3339)}
	user, _, err := s.client.Users.Get(ctx, "")
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Message = fmt.Sprintf("token check failed: %v", err)
		return status
	}
	status.Healthy = true
	status.Message = fmt.Sprintf("authenticated as %s", user.GetLogin())
	return status
}

func (s *SCM) auth() *githttp.BasicAuth {
	return &githttp.BasicAuth{Username: "x-access-token", Password: s.token}
}

func (s *SCM) Clone(ctx context.Context, repoURL, dir string) error {
	if _, err := os.Stat(dir); err == nil {
		// Reuse an existing checkout; a fresh round gets a fresh dir.
		if _, err := git.PlainOpen(dir); err == nil {
			return nil
		}
	}
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:  repoURL,
		Auth: s.auth(),
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", repoURL, err)
	}
	return nil
}

func (s *SCM) CreateBranch(ctx context.Context, dir, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.CheckoutOptions{Branch: ref, Create: true}
	// An iterate round reuses its checkout, so the branch may already exist.
	if _, err := repo.Reference(ref, false); err == nil {
		opts.Create = false
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

func (s *SCM) CommitAndPush(ctx context.Context, dir, branch, message string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	st, err := wt.Status()
	if err != nil {
		return err
	}
	if !st.IsClean() {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return err
		}
		_, err = wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  s.authorName,
				Email: s.authorEmail,
				When:  s.Now(),
			},
		})
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	spec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RefSpecs: []config.RefSpec{spec},
		Auth:     s.auth(),
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

func (s *SCM) CreatePullRequest(ctx context.Context, repoURL, branch, title, body string) (capability.PullRequestInfo, error) {
	owner, name, err := splitRepoURL(repoURL)
	if err != nil {
		return capability.PullRequestInfo{}, err
	}
	pr, _, err := s.client.PullRequests.Create(ctx, owner, name, &gh.NewPullRequest{
		Title: gh.String(title),
		Head:  gh.String(branch),
		Base:  gh.String(s.baseBranch),
		Body:  gh.String(body),
	})
	if err != nil {
		return capability.PullRequestInfo{}, fmt.Errorf("create pull request: %w", err)
	}
	return capability.PullRequestInfo{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (s *SCM) MergePullRequest(ctx context.Context, repoURL string, number int) error {
	owner, name, err := splitRepoURL(repoURL)
	if err != nil {
		return err
	}
	res, _, err := s.client.PullRequests.Merge(ctx, owner, name, number, "", nil)
	if err != nil {
		return fmt.Errorf("merge pull request #%d: %w", number, err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("pull request #%d was not merged: %s", number, res.GetMessage())
	}
	return nil
}

func (s *SCM) PullRequestStatus(ctx context.Context, repoURL string, number int) (string, error) {
	owner, name, err := splitRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	pr, _, err := s.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return "", err
	}
	if pr.GetMerged() {
		return domain.PRStatusMerged, nil
	}
	return pr.GetState(), nil
}

// GetReviewComments returns the review feedback left on a pull request,
// one entry per comment, prefixed with its author.
func (s *SCM) GetReviewComments(ctx context.Context, repoURL string, number int) ([]string, error) {
	owner, name, err := splitRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	var out []string
	opts := &gh.PullRequestListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := s.client.PullRequests.ListComments(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list review comments for #%d: %w", number, err)
		}
		for _, c := range comments {
			out = append(out, fmt.Sprintf("%s: %s", c.GetUser().GetLogin(), c.GetBody()))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// splitRepoURL extracts owner and repository name from an https or ssh
// GitHub URL.
func splitRepoURL(repoURL string) (string, string, error) {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.Index(s, "github.com"); i >= 0 {
		s = s[i+len("github.com"):]
		s = strings.TrimLeft(s, ":/")
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from %q", repoURL)
	}
	return parts[0], parts[1], nil
}
