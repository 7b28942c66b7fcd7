package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a throw-away git repository rooted in a test temp dir
type Repo struct {
	t   *testing.T
	Dir string
	n   int
}

// InitRepo creates a repository with a configured identity on the given branch.
func InitRepo(t *testing.T, branch string) *Repo {
	t.Helper()
	dir := t.TempDir()
	r := &Repo{t: t, Dir: dir}
	r.Git("init", "-b", branch, dir)
	r.Git("config", "user.email", "test@test.com")
	r.Git("config", "user.name", "Test")
	r.Git("config", "commit.gpgsign", "false")
	return r
}

// Git runs a git command inside the repository and returns trimmed stdout.
// The first "init" invocation is special-cased since the dir is not a repo yet.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	full := append([]string{"-C", r.Dir}, args...)
	if len(args) > 0 && args[0] == "init" {
		full = args
	}

	cmd := exec.Command("git", full...)
	// Distinct, increasing timestamps keep history order deterministic.
	date := fmt.Sprintf("2024-01-01T00:00:%02dZ", r.n%60)
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to a repository-relative path, creating parents.
func (r *Repo) WriteFile(rel, content string) {
	r.t.Helper()
	path := filepath.Join(r.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		r.t.Fatal(err)
	}
}

// Commit stages everything and commits it, returning the new HEAD hash.
func (r *Repo) Commit(msg string) string {
	r.t.Helper()
	r.n++
	r.Git("add", "-A")
	r.Git("commit", "--allow-empty", "-m", msg)
	return r.Git("rev-parse", "HEAD")
}

// CommitFile writes a single file and commits it.
func (r *Repo) CommitFile(rel, content, msg string) string {
	r.t.Helper()
	r.WriteFile(rel, content)
	return r.Commit(msg)
}

// RemoveFile deletes a repository-relative path and commits the removal.
func (r *Repo) RemoveFile(rel, msg string) string {
	r.t.Helper()
	r.Git("rm", "-q", rel)
	return r.Commit(msg)
}
