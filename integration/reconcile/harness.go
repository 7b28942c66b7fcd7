//go:build integration

package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/deploysync/internal/prefect"
	"github.com/schaermu/deploysync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness runs the compiled binary against a fake orchestration API and a
// fake prefect CLI that records its arguments.
type Harness struct {
	t       *testing.T
	binary  string
	binDir  string
	cliLog  string
	api     *fakeAPI
	server  *httptest.Server
	workDir string
}

// NewHarness builds the binary and starts the fake API
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()

	workDir := t.TempDir()
	h := &Harness{
		t:       t,
		binDir:  filepath.Join(workDir, "bin"),
		cliLog:  filepath.Join(workDir, "prefect-cli.log"),
		api:     &fakeAPI{},
		workDir: workDir,
	}
	h.binary = filepath.Join(h.binDir, "deploysync")

	if err := os.MkdirAll(h.binDir, 0755); err != nil {
		t.Fatal(err)
	}

	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}

	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/deploysync")
	build.Dir = root
	build.Stdout = &testWriter{t: t, prefix: "[build] "}
	build.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := build.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	// The fake CLI only records what it was asked to do.
	cli := "#!/bin/sh\necho \"$@\" >> " + h.cliLog + "\necho \"Deleted deployment\"\n"
	if err := os.WriteFile(filepath.Join(h.binDir, "prefect"), []byte(cli), 0755); err != nil {
		t.Fatal(err)
	}

	h.server = httptest.NewServer(h.api)
	t.Cleanup(h.server.Close)

	return h
}

// WriteConfig writes a config file for repoDir and returns its path
func (h *Harness) WriteConfig(repoDir string) string {
	h.t.Helper()

	content := fmt.Sprintf(`repo:
  dir: %q
prefect:
  api_url: %q
  rate_limit: 0
builder:
  bucket_name: "lake"
  landing_schema: "landing"
  schedule_timezone: "UTC"
`, repoDir, h.server.URL+"/api")

	path := filepath.Join(h.workDir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
	return path
}

// Run executes the binary and returns its combined output and exit code
func (h *Harness) Run(ctx context.Context, env []string, args ...string) (string, int) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "PATH="+h.binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	cmd.Env = append(cmd.Env, env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			h.t.Fatalf("run %v: %v", args, err)
		}
		code = exitErr.ExitCode()
	}
	return out.String(), code
}

// CLICalls returns the argument lines the fake prefect CLI received
func (h *Harness) CLICalls() []string {
	h.t.Helper()
	data, err := os.ReadFile(h.cliLog)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// ResetCLI clears the fake CLI log
func (h *Harness) ResetCLI() {
	_ = os.Remove(h.cliLog)
}

// fakeAPI is an in-memory deployment registry
type fakeAPI struct {
	mu          sync.Mutex
	deployments []prefect.Deployment
	created     []prefect.DeploymentCreate
}

func (f *fakeAPI) seed(d ...prefect.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployments = append(f.deployments, d...)
}

func (f *fakeAPI) createdDeployments() []prefect.DeploymentCreate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prefect.DeploymentCreate(nil), f.created...)
}

func (f *fakeAPI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployments = nil
	f.created = nil
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/deployments/filter":
		var req struct {
			Offset int `json:"offset"`
		}
		_ = json.Unmarshal(body, &req)
		page := []prefect.Deployment{}
		if req.Offset < len(f.deployments) {
			page = f.deployments[req.Offset:]
		}
		_ = json.NewEncoder(w).Encode(page)

	case r.Method == http.MethodPost && r.URL.Path == "/api/flows/":
		var req struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(body, &req)
		_ = json.NewEncoder(w).Encode(prefect.Flow{ID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(req.Name)), Name: req.Name})

	case r.Method == http.MethodPost && r.URL.Path == "/api/deployments/":
		var req prefect.DeploymentCreate
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = fmt.Fprintf(w, `{"detail":%q}`, err.Error())
			return
		}
		f.created = append(f.created, req)
		d := prefect.Deployment{ID: uuid.New(), Name: req.Name, FlowID: req.FlowID, Tags: req.Tags}
		f.deployments = append(f.deployments, d)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(d)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Not Found"}`))
	}
}

// testWriter forwards subprocess output to the test log
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.t.Log(w.prefix + line)
	}
	return len(p), nil
}
