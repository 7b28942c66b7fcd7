package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/deploysync/internal/prefect"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func s3Doc(data map[string]any) *prefect.BlockDocument {
	return &prefect.BlockDocument{Name: "flows", Data: data}
}

// fakeUploader records uploaded objects
type fakeUploader struct {
	mu      sync.Mutex
	objects map[string]string
	failKey string
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.StringValue(in.Key) == f.failKey {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = string(body)
	return &s3manager.UploadOutput{}, nil
}

func TestParseS3Block(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		want    S3Block
		wantErr bool
	}{
		{
			name: "bucket with prefix and keys",
			data: map[string]any{"bucket_path": "lake/flows", "aws_access_key_id": "AKIA", "aws_secret_access_key": "secret"},
			want: S3Block{BucketPath: "lake/flows", AccessKeyID: "AKIA", SecretAccessKey: "secret"},
		},
		{
			name: "scheme and slashes trimmed",
			data: map[string]any{"bucket_path": "s3://lake/flows/"},
			want: S3Block{BucketPath: "lake/flows"},
		},
		{
			name: "obfuscated secrets ignored",
			data: map[string]any{"bucket_path": "lake", "aws_access_key_id": "AKIA", "aws_secret_access_key": "********"},
			want: S3Block{BucketPath: "lake"},
		},
		{
			name:    "missing bucket path",
			data:    map[string]any{"aws_access_key_id": "AKIA"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseS3Block(s3Doc(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBlock)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestS3BlockLocation(t *testing.T) {
	bucket, prefix := (&S3Block{BucketPath: "lake/flows"}).Location("sales")
	assert.Equal(t, "lake", bucket)
	assert.Equal(t, "flows/sales", prefix)

	bucket, prefix = (&S3Block{BucketPath: "lake"}).Location("")
	assert.Equal(t, "lake", bucket)
	assert.Equal(t, "", prefix)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"prefect/flows/custom/crm.py":        "flow",
		"prefect/flows/deployments/crm.yml":  "flow_name: crm",
		"prefect/flows/custom/__pycache__/x": "bytecode",
		".git/HEAD":                          "ref: refs/heads/main",
		".prefectignore":                     "# local data\n*.csv\ndata/\nprefect/flows/deployments/*.yml\n",
		"data/raw.json":                      "{}",
		"exports/report.csv":                 "a,b",
		"exports/summary.txt":                "ok",
	})

	files, err := CollectFiles(dir, ".prefectignore")
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{"exports/summary.txt", "prefect/flows/custom/crm.py"}, files)
}

func TestCollectFiles_NoIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.py": "a", "data/b.csv": "b"})

	files, err := CollectFiles(dir, ".prefectignore")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "data/b.csv"}, files)
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"prefect/flows/custom/crm.py": "print('crm')",
		"README.md":                   "readme",
	})

	fake := &fakeUploader{objects: map[string]string{}}
	var gotCfg *aws.Config
	u := NewS3Uploader("eu-central-1", "", ".prefectignore", testLogger())
	u.newUploader = func(cfg *aws.Config) (s3manageriface.UploaderAPI, error) {
		gotCfg = cfg
		return fake, nil
	}

	doc := s3Doc(map[string]any{"bucket_path": "lake/flows", "aws_access_key_id": "AKIA", "aws_secret_access_key": "secret"})
	n, err := u.Upload(context.Background(), doc, dir, "crm_accounts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]string{
		"lake/flows/crm_accounts/README.md":                   "readme",
		"lake/flows/crm_accounts/prefect/flows/custom/crm.py": "print('crm')",
	}, fake.objects)

	require.NotNil(t, gotCfg)
	assert.Equal(t, "eu-central-1", aws.StringValue(gotCfg.Region))
	creds, err := gotCfg.Credentials.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKIA", creds.AccessKeyID)
}

func TestUpload_Failure(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.py": "a", "b.py": "b"})

	fake := &fakeUploader{objects: map[string]string{}, failKey: "b.py"}
	u := NewS3Uploader("us-east-1", "", ".prefectignore", testLogger())
	u.newUploader = func(*aws.Config) (s3manageriface.UploaderAPI, error) { return fake, nil }

	n, err := u.Upload(context.Background(), s3Doc(map[string]any{"bucket_path": "lake"}), dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://lake/b.py")
	assert.Equal(t, 1, n)
}

func TestUpload_InvalidBlock(t *testing.T) {
	u := NewS3Uploader("us-east-1", "", ".prefectignore", testLogger())
	_, err := u.Upload(context.Background(), s3Doc(nil), t.TempDir(), "")
	assert.ErrorIs(t, err, ErrInvalidBlock)
}

// TestUpload_S3CompatibleEndpoint sends the objects through the SDK to a
// local S3-compatible endpoint.
func TestUpload_S3CompatibleEndpoint(t *testing.T) {
	var mu sync.Mutex
	puts := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.URL.Path] = string(body)
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"flows/crm.py": "print('crm')"})

	u := NewS3Uploader("us-east-1", srv.URL, ".prefectignore", testLogger())
	doc := s3Doc(map[string]any{"bucket_path": "lake/code", "aws_access_key_id": "AKIA", "aws_secret_access_key": "secret"})

	n, err := u.Upload(context.Background(), doc, dir, "crm")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{"/lake/code/crm/flows/crm.py": "print('crm')"}, puts)
}
