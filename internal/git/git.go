package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Op is the single-letter change code reported by git for a path
type Op string

const (
	OpAdded    Op = "A"
	OpModified Op = "M"
	OpRenamed  Op = "R"
	OpCopied   Op = "C"
	OpDeleted  Op = "D"
)

// ErrNotGitRepo indicates the configured directory is not inside a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// Change is a single path touched by a commit
type Change struct {
	Path    string
	Op      Op
	OldPath string // source path for renames and copies
}

// Client reads repository history for reconciliation
type Client interface {
	// CurrentCommit returns the hash HEAD points at
	CurrentCommit(ctx context.Context) (string, error)
	// CommitRange returns the commits between base and head, oldest first.
	// An empty base selects the head commit only.
	CommitRange(ctx context.Context, base, head string) ([]string, error)
	// Changes returns the paths touched by a commit in the order git reports them
	Changes(ctx context.Context, commit string) ([]Change, error)
	// FetchCheckout fetches origin and force-checks-out ref, returning the new HEAD
	FetchCheckout(ctx context.Context, ref string) (string, error)
}

// Options configures a git client
type Options struct {
	Dir            string
	DetectRenames  bool
	SSHKeyFile     string
	HTTPSTokenFile string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir            string
	detectRenames  bool
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(opts Options) *ShellClient {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	return &ShellClient{
		dir:            dir,
		detectRenames:  opts.DetectRenames,
		sshKeyFile:     opts.SSHKeyFile,
		httpsTokenFile: opts.HTTPSTokenFile,
	}
}

// CurrentCommit resolves HEAD to a commit hash
func (c *ShellClient) CurrentCommit(ctx context.Context) (string, error) {
	return c.revParse(ctx, "HEAD")
}

// CommitRange lists the commits on the ancestry path from base to head
func (c *ShellClient) CommitRange(ctx context.Context, base, head string) ([]string, error) {
	if head == "" {
		head = "HEAD"
	}

	if base == "" {
		// Without a parent there is nothing to range over; the tip is the whole range.
		if _, err := c.revParse(ctx, head+"^"); err != nil {
			tip, err := c.revParse(ctx, head)
			if err != nil {
				return nil, err
			}
			return []string{tip}, nil
		}
		base = head + "^"
	}

	output, err := c.output(ctx, "rev-list", "--ancestry-path", base+".."+head)
	if err != nil {
		return nil, fmt.Errorf("git rev-list failed: %w", err)
	}

	commits := strings.Fields(string(output))
	reverse(commits)
	return commits, nil
}

// Changes lists the name-status diff of a single commit
func (c *ShellClient) Changes(ctx context.Context, commit string) ([]Change, error) {
	args := []string{"diff-tree", "--no-commit-id", "--name-status", "-r"}
	if c.detectRenames {
		args = append(args, "-M")
	}
	args = append(args, commit)

	output, err := c.output(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git diff-tree failed for %s: %w", commit, err)
	}

	return ParseNameStatus(output), nil
}

// FetchCheckout fetches origin and checks out ref, preferring a remote branch
// when ref names one.
func (c *ShellClient) FetchCheckout(ctx context.Context, ref string) (string, error) {
	url, err := c.output(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("failed to read origin url: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "fetch", "origin")
	if err := c.configureAuth(cmd, strings.TrimSpace(string(url))); err != nil {
		return "", err
	}
	if err := runCommand(cmd); err != nil {
		return "", fmt.Errorf("git fetch failed: %w", err)
	}

	// Remote branches first so a stale local branch of the same name is not picked.
	cmd = exec.CommandContext(ctx, "git", "-C", c.dir, "checkout", "-f", "origin/"+ref)
	if err := runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, "git", "-C", c.dir, "checkout", "-f", ref)
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both remote and direct): %w", ref, err)
		}
	}

	return c.CurrentCommit(ctx)
}

// ParseNameStatus parses `git diff-tree --name-status` output. Each line is
// tab separated, with quoted paths unquoted: the status (optionally followed by a similarity score, e.g.
// R087) and one path, or two paths for renames and copies. Type changes are
// reported as modifications. Repeated paths keep their first record.
func ParseNameStatus(output []byte) []Change {
	var changes []Change
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}

		change := Change{
			Op:   normalizeOp(fields[0][0]),
			Path: unquotePath(fields[len(fields)-1]),
		}
		if len(fields) > 2 {
			change.OldPath = unquotePath(fields[1])
		}
		if change.Op == "" || seen[change.Path] {
			continue
		}

		seen[change.Path] = true
		changes = append(changes, change)
	}

	return changes
}

// unquotePath undoes git's C-style quoting of paths with non-ASCII bytes,
// control characters, quotes or backslashes (core.quotePath).
func unquotePath(p string) string {
	if len(p) < 2 || p[0] != '"' || p[len(p)-1] != '"' {
		return p
	}
	unquoted, err := strconv.Unquote(p)
	if err != nil {
		return p
	}
	return unquoted
}

func normalizeOp(status byte) Op {
	switch status {
	case 'A':
		return OpAdded
	case 'M', 'T':
		return OpModified
	case 'R':
		return OpRenamed
	case 'C':
		return OpCopied
	case 'D':
		return OpDeleted
	}
	return ""
}

func (c *ShellClient) revParse(ctx context.Context, rev string) (string, error) {
	output, err := c.output(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		if _, statErr := os.Stat(c.dir); statErr == nil {
			if _, gitErr := c.output(ctx, "rev-parse", "--git-dir"); gitErr != nil {
				return "", ErrNotGitRepo
			}
		}
		return "", fmt.Errorf("git rev-parse %s failed: %w", rev, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// output runs git in the repository directory and returns stdout
func (c *ShellClient) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && isSSHURL(url) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return err
		}

		// The token travels through the environment and a credential helper,
		// never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "DEPLOYSYNC_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$DEPLOYSYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
