package github

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestSplitRepoURL(t *testing.T) {
	cases := []struct {
		in          string
		owner, name string
	}{
		{"https://github.com/acme/demo", "acme", "demo"},
		{"https://github.com/acme/demo.git", "acme", "demo"},
		{"git@github.com:acme/demo.git", "acme", "demo"},
		{"acme/demo", "acme", "demo"},
	}
	for _, c := range cases {
		owner, name, err := splitRepoURL(c.in)
		if err != nil {
			t.Fatalf("%s: %v", c.in, err)
		}
		if owner != c.owner || name != c.name {
			t.Fatalf("%s -> %s/%s, want %s/%s", c.in, owner, name, c.owner, c.name)
		}
	}

	for _, bad := range []string{"", "https://github.com/", "just-a-name"} {
		if _, _, err := splitRepoURL(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestNewSCMRequiresToken(t *testing.T) {
	t.Setenv("STORYLINE_TEST_TOKEN", "")
	_, err := NewSCM(map[string]string{"token_env": "STORYLINE_TEST_TOKEN"})
	if err == nil || !strings.Contains(err.Error(), "STORYLINE_TEST_TOKEN") {
		t.Fatalf("err = %v, want missing token error naming the variable", err)
	}

	t.Setenv("STORYLINE_TEST_TOKEN", "tok")
	p, err := NewSCM(map[string]string{
		"token_env":   "STORYLINE_TEST_TOKEN",
		"base_branch": "develop",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	scm := p.(*SCM)
	if scm.baseBranch != "develop" {
		t.Fatalf("base branch = %q, want develop", scm.baseBranch)
	}
}

// initRepo sets up a local repository with one commit.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := r.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@localhost", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir, r
}

func TestCreateBranchReusesExistingBranch(t *testing.T) {
	dir, r := initRepo(t)
	s := &SCM{Now: time.Now}
	ctx := context.Background()

	const branch = "sl/abc12345/round-1"
	if err := s.CreateBranch(ctx, dir, branch); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	// Same round, same branch: an iterate re-run hits the existing branch.
	if err := s.CreateBranch(ctx, dir, branch); err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	head, err := r.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Name() != plumbing.NewBranchReferenceName(branch) {
		t.Fatalf("head = %s, want %s", head.Name(), branch)
	}
}

func TestNewCIDefaults(t *testing.T) {
	t.Setenv("STORYLINE_TEST_TOKEN", "tok")
	p, err := NewCI(map[string]string{"token_env": "STORYLINE_TEST_TOKEN"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ci := p.(*CI)
	if ci.workflow != "ci.yml" {
		t.Fatalf("workflow = %q, want ci.yml", ci.workflow)
	}
}
