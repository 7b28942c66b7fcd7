package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/schaermu/deploysync/internal/testutil"
)

// backends returns both Client implementations opened on dir.
func backends(t *testing.T, dir string, detectRenames bool) map[string]Client {
	t.Helper()
	opts := Options{Dir: dir, DetectRenames: detectRenames}
	repoClient, err := OpenRepoClient(opts)
	if err != nil {
		t.Fatalf("OpenRepoClient: %v", err)
	}
	return map[string]Client{
		"shell":  NewShellClient(opts),
		"go-git": repoClient,
	}
}

func TestParseNameStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []Change
	}{
		{
			name:   "simple edits",
			output: "A\tprefect/flows/deployments/a.py\nM\tREADME.md\nD\tprefect/flows/deployments/b.py\n",
			want: []Change{
				{Path: "prefect/flows/deployments/a.py", Op: OpAdded},
				{Path: "README.md", Op: OpModified},
				{Path: "prefect/flows/deployments/b.py", Op: OpDeleted},
			},
		},
		{
			name:   "rename with similarity score",
			output: "R087\told/name.py\tnew/name.py\nM\tother.py\n",
			want: []Change{
				{Path: "new/name.py", Op: OpRenamed, OldPath: "old/name.py"},
				{Path: "other.py", Op: OpModified},
			},
		},
		{
			name:   "copy",
			output: "C100\tsrc.py\tdst.py\n",
			want:   []Change{{Path: "dst.py", Op: OpCopied, OldPath: "src.py"}},
		},
		{
			name:   "type change is a modification",
			output: "T\tlink.py\n",
			want:   []Change{{Path: "link.py", Op: OpModified}},
		},
		{
			name:   "duplicate path keeps first record",
			output: "A\tx.py\nD\tx.py\n",
			want:   []Change{{Path: "x.py", Op: OpAdded}},
		},
		{
			name:   "blank and unknown lines skipped",
			output: "\nX\tweird.py\nU\tconflict.py\nA\tok.py\n",
			want:   []Change{{Path: "ok.py", Op: OpAdded}},
		},
		{
			name:   "path with spaces",
			output: "A\tprefect/flows/deployments/my flow.py\n",
			want:   []Change{{Path: "prefect/flows/deployments/my flow.py", Op: OpAdded}},
		},
		{
			name:   "quoted non-ASCII path",
			output: "A\t\"prefect/flows/deployments/caf\\303\\251.py\"\n",
			want:   []Change{{Path: "prefect/flows/deployments/café.py", Op: OpAdded}},
		},
		{
			name:   "quoted path with tab and quote",
			output: "D\t\"prefect/flows/deployments/a\\tb\\\"c.py\"\n",
			want:   []Change{{Path: "prefect/flows/deployments/a\tb\"c.py", Op: OpDeleted}},
		},
		{
			name:   "quoted rename source",
			output: "R100\t\"old/\\303\\274.py\"\tnew/u.py\n",
			want:   []Change{{Path: "new/u.py", Op: OpRenamed, OldPath: "old/ü.py"}},
		},
		{
			name:   "empty output",
			output: "",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNameStatus([]byte(tt.output))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseNameStatus() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommitRange_DefaultBaseIsTip(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	repo.CommitFile("a.txt", "1", "first")
	repo.CommitFile("a.txt", "2", "second")
	tip := repo.CommitFile("a.txt", "3", "third")

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.CommitRange(context.Background(), "", "")
			if err != nil {
				t.Fatalf("CommitRange: %v", err)
			}
			if !reflect.DeepEqual(got, []string{tip}) {
				t.Errorf("CommitRange() = %v, want [%s]", got, tip)
			}
		})
	}
}

func TestCommitRange_RootCommit(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	root := repo.CommitFile("a.txt", "1", "first")

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.CommitRange(context.Background(), "", "HEAD")
			if err != nil {
				t.Fatalf("CommitRange: %v", err)
			}
			if !reflect.DeepEqual(got, []string{root}) {
				t.Errorf("CommitRange() = %v, want [%s]", got, root)
			}
		})
	}
}

func TestCommitRange_WithBaseIsOldestFirst(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	base := repo.CommitFile("a.txt", "1", "first")
	second := repo.CommitFile("b.txt", "2", "second")
	third := repo.CommitFile("c.txt", "3", "third")

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.CommitRange(context.Background(), base, "HEAD")
			if err != nil {
				t.Fatalf("CommitRange: %v", err)
			}
			want := []string{second, third}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("CommitRange() = %v, want %v", got, want)
			}
		})
	}
}

func TestCommitRange_SideBranchExcluded(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	base := repo.CommitFile("a.txt", "1", "base")
	repo.Git("checkout", "-q", "-b", "side")
	repo.CommitFile("side.txt", "s", "side work")
	repo.Git("checkout", "-q", "main")
	onMain := repo.CommitFile("b.txt", "2", "main work")

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.CommitRange(context.Background(), base, "main")
			if err != nil {
				t.Fatalf("CommitRange: %v", err)
			}
			if !reflect.DeepEqual(got, []string{onMain}) {
				t.Errorf("CommitRange() = %v, want [%s]", got, onMain)
			}
		})
	}
}

func TestChanges(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	repo.WriteFile("keep.txt", "keep")
	repo.WriteFile("drop.txt", "drop")
	repo.Commit("initial")

	repo.WriteFile("keep.txt", "changed")
	repo.WriteFile("prefect/flows/deployments/new.py", "print('hi')\n")
	repo.Git("rm", "-q", "drop.txt")
	commit := repo.Commit("mixed")

	want := []Change{
		{Path: "drop.txt", Op: OpDeleted},
		{Path: "keep.txt", Op: OpModified},
		{Path: "prefect/flows/deployments/new.py", Op: OpAdded},
	}

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.Changes(context.Background(), commit)
			if err != nil {
				t.Fatalf("Changes: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Changes() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestChanges_NonASCIIPath(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	repo.CommitFile("README.md", "readme", "initial")
	commit := repo.CommitFile("prefect/flows/deployments/café.py", "print('hi')\n", "add")

	want := []Change{{Path: "prefect/flows/deployments/café.py", Op: OpAdded}}

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.Changes(context.Background(), commit)
			if err != nil {
				t.Fatalf("Changes: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Changes() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestChanges_RootCommitIsEmpty(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	root := repo.CommitFile("a.txt", "1", "first")

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.Changes(context.Background(), root)
			if err != nil {
				t.Fatalf("Changes: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("expected no changes for root commit, got %+v", got)
			}
		})
	}
}

func TestChanges_Renames(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	repo.CommitFile("prefect/flows/deployments/old.py", "print('same content for rename')\n", "add")
	repo.Git("mv", "prefect/flows/deployments/old.py", "prefect/flows/deployments/new.py")
	commit := repo.Commit("rename")

	t.Run("detection enabled", func(t *testing.T) {
		want := []Change{{
			Path:    "prefect/flows/deployments/new.py",
			Op:      OpRenamed,
			OldPath: "prefect/flows/deployments/old.py",
		}}
		for name, client := range backends(t, repo.Dir, true) {
			got, err := client.Changes(context.Background(), commit)
			if err != nil {
				t.Fatalf("%s: Changes: %v", name, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("%s: Changes() = %+v, want %+v", name, got, want)
			}
		}
	})

	t.Run("detection disabled", func(t *testing.T) {
		want := []Change{
			{Path: "prefect/flows/deployments/new.py", Op: OpAdded},
			{Path: "prefect/flows/deployments/old.py", Op: OpDeleted},
		}
		for name, client := range backends(t, repo.Dir, false) {
			got, err := client.Changes(context.Background(), commit)
			if err != nil {
				t.Fatalf("%s: Changes: %v", name, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("%s: Changes() = %+v, want %+v", name, got, want)
			}
		}
	})
}

func TestCurrentCommit(t *testing.T) {
	repo := testutil.InitRepo(t, "main")
	tip := repo.CommitFile("a.txt", "1", "first")

	for name, client := range backends(t, repo.Dir, false) {
		t.Run(name, func(t *testing.T) {
			got, err := client.CurrentCommit(context.Background())
			if err != nil {
				t.Fatalf("CurrentCommit: %v", err)
			}
			if got != tip {
				t.Errorf("CurrentCommit() = %s, want %s", got, tip)
			}
		})
	}
}

func TestNotGitRepo(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewShellClient(Options{Dir: dir}).CurrentCommit(context.Background()); !errors.Is(err, ErrNotGitRepo) {
		t.Errorf("shell: expected ErrNotGitRepo, got %v", err)
	}
	if _, err := OpenRepoClient(Options{Dir: dir}); !errors.Is(err, ErrNotGitRepo) {
		t.Errorf("go-git: expected ErrNotGitRepo, got %v", err)
	}
}

func TestFetchCheckout_PicksUpRemoteCommits(t *testing.T) {
	ctx := context.Background()

	remote := testutil.InitRepo(t, "main")
	remote.CommitFile("prefect/flows/deployments/a.py", "v1\n", "initial")

	cloneDir := filepath.Join(t.TempDir(), "repo")
	if out, err := exec.Command("git", "clone", "-q", remote.Dir, cloneDir).CombinedOutput(); err != nil {
		t.Fatalf("clone: %v: %s", err, out)
	}

	want := remote.CommitFile("prefect/flows/deployments/a.py", "v2\n", "update")

	client := NewShellClient(Options{Dir: cloneDir})
	got, err := client.FetchCheckout(ctx, "main")
	if err != nil {
		t.Fatalf("FetchCheckout: %v", err)
	}
	if got != want {
		t.Errorf("FetchCheckout() = %s, want %s", got, want)
	}

	content, err := os.ReadFile(filepath.Join(cloneDir, "prefect", "flows", "deployments", "a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "v2\n" {
		t.Errorf("expected checked out content v2, got %q", content)
	}

	// A commit hash works as well as a branch name.
	got, err = client.FetchCheckout(ctx, want)
	if err != nil {
		t.Fatalf("FetchCheckout by hash: %v", err)
	}
	if got != want {
		t.Errorf("FetchCheckout(hash) = %s, want %s", got, want)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellQuote(tt.input); got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before -C",
			args:  []string{"git", "-C", "/dir", "fetch", "origin"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "-C", "/dir", "fetch", "origin"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("insertGitFlags() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigureAuth_HTTPSToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("ghp_secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	client := NewShellClient(Options{HTTPSTokenFile: tokenFile})
	cmd := exec.Command("git", "fetch", "origin")
	if err := client.configureAuth(cmd, "https://github.com/acme/flows.git"); err != nil {
		t.Fatalf("configureAuth: %v", err)
	}

	if cmd.Args[1] != "-c" {
		t.Errorf("expected credential helper flag, got args %v", cmd.Args)
	}
	found := false
	for _, env := range cmd.Env {
		if env == "DEPLOYSYNC_GIT_TOKEN=ghp_secret" {
			found = true
		}
	}
	if !found {
		t.Error("expected token in environment")
	}
}

func TestConfigureAuth_SSHKeyIgnoredForHTTPS(t *testing.T) {
	client := NewShellClient(Options{SSHKeyFile: "/key"})
	cmd := exec.Command("git", "fetch", "origin")
	if err := client.configureAuth(cmd, "https://github.com/acme/flows.git"); err != nil {
		t.Fatalf("configureAuth: %v", err)
	}
	for _, env := range cmd.Env {
		if strings.HasPrefix(env, "GIT_SSH_COMMAND=") {
			t.Errorf("unexpected GIT_SSH_COMMAND for https remote: %s", env)
		}
	}
}
