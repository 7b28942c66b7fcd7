package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// RepoClient implements Client in-process with go-git. It mirrors the
// plumbing behaviour of ShellClient: root and merge commits report no changes.
type RepoClient struct {
	repo *gogit.Repository
	opts Options
}

// OpenRepoClient opens the repository containing opts.Dir
func OpenRepoClient(opts Options) (*RepoClient, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, ErrNotGitRepo
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	return &RepoClient{repo: repo, opts: opts}, nil
}

// CurrentCommit resolves HEAD to a commit hash
func (c *RepoClient) CurrentCommit(_ context.Context) (string, error) {
	head, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// CommitRange lists commits reachable from head but not from base that
// descend from base, oldest first.
func (c *RepoClient) CommitRange(ctx context.Context, base, head string) ([]string, error) {
	if head == "" {
		head = "HEAD"
	}

	headCommit, err := c.resolve(head)
	if err != nil {
		return nil, err
	}

	var baseCommit *object.Commit
	if base == "" {
		if headCommit.NumParents() == 0 {
			return []string{headCommit.Hash.String()}, nil
		}
		if baseCommit, err = headCommit.Parent(0); err != nil {
			return nil, fmt.Errorf("failed to read parent of %s: %w", head, err)
		}
	} else if baseCommit, err = c.resolve(base); err != nil {
		return nil, err
	}

	excluded := make(map[plumbing.Hash]bool)
	baseIter, err := c.repo.Log(&gogit.LogOptions{From: baseCommit.Hash})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history of %s: %w", base, err)
	}
	err = baseIter.ForEach(func(commit *object.Commit) error {
		excluded[commit.Hash] = true
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history of %s: %w", base, err)
	}

	headIter, err := c.repo.Log(&gogit.LogOptions{From: headCommit.Hash, Order: gogit.LogOrderDFS})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history of %s: %w", head, err)
	}

	var commits []string
	err = headIter.ForEach(func(commit *object.Commit) error {
		if excluded[commit.Hash] {
			return nil
		}
		onPath, err := baseCommit.IsAncestor(commit)
		if err != nil {
			return err
		}
		if onPath {
			commits = append(commits, commit.Hash.String())
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history of %s: %w", head, err)
	}

	reverse(commits)
	return commits, nil
}

// Changes diffs a single-parent commit against its parent
func (c *RepoClient) Changes(ctx context.Context, commit string) ([]Change, error) {
	current, err := c.resolve(commit)
	if err != nil {
		return nil, err
	}
	if current.NumParents() != 1 {
		return nil, nil
	}

	parent, err := current.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read parent of %s: %w", commit, err)
	}
	from, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", parent.Hash, err)
	}
	to, err := current.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", commit, err)
	}

	var opts *object.DiffTreeOptions
	if c.opts.DetectRenames {
		opts = object.DefaultDiffTreeOptions
	}
	diff, err := object.DiffTreeWithOptions(ctx, from, to, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", commit, err)
	}

	changes := make([]Change, 0, len(diff))
	seen := make(map[string]bool)
	for _, d := range diff {
		action, err := d.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to classify change in %s: %w", commit, err)
		}

		var change Change
		switch action {
		case merkletrie.Insert:
			change = Change{Path: d.To.Name, Op: OpAdded}
		case merkletrie.Delete:
			change = Change{Path: d.From.Name, Op: OpDeleted}
		case merkletrie.Modify:
			change = Change{Path: d.To.Name, Op: OpModified}
			if d.From.Name != d.To.Name {
				change.Op = OpRenamed
				change.OldPath = d.From.Name
			}
		default:
			continue
		}

		if seen[change.Path] {
			continue
		}
		seen[change.Path] = true
		changes = append(changes, change)
	}

	// git reports paths in tree order
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	return changes, nil
}

// FetchCheckout fetches origin and force-checks-out ref as a detached HEAD
func (c *RepoClient) FetchCheckout(ctx context.Context, ref string) (string, error) {
	remote, err := c.repo.Remote("origin")
	if err != nil {
		return "", fmt.Errorf("failed to read origin remote: %w", err)
	}

	var url string
	if urls := remote.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}

	auth, err := c.authMethod(url)
	if err != nil {
		return "", err
	}

	err = c.repo.FetchContext(ctx, &gogit.FetchOptions{RemoteName: "origin", Auth: auth})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("git fetch failed: %w", err)
	}

	target, err := c.resolve("refs/remotes/origin/" + ref)
	if err != nil {
		if target, err = c.resolve(ref); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both remote and direct): %w", ref, err)
		}
	}

	worktree, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Hash: target.Hash, Force: true}); err != nil {
		return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}

	return target.Hash.String(), nil
}

func (c *RepoClient) authMethod(url string) (transport.AuthMethod, error) {
	if c.opts.SSHKeyFile != "" && isSSHURL(url) {
		keys, err := gitssh.NewPublicKeysFromFile("git", c.opts.SSHKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.opts.HTTPSTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(c.opts.HTTPSTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}

func (c *RepoClient) resolve(rev string) (*object.Commit, error) {
	hash, err := c.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	commit, err := c.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", rev, err)
	}
	return commit, nil
}
