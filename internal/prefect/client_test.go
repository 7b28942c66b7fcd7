package prefect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", WithAPIKey("pnu_test"), WithRateLimit(0))
}

func TestListDeployments_Paginates(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/deployments/filter", r.URL.Path)
		assert.Equal(t, "Bearer pnu_test", r.Header.Get("Authorization"))

		var req filterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, PageSize, req.Limit)
		calls.Add(1)

		n := PageSize
		if req.Offset > 0 {
			n = 3
		}
		page := make([]Deployment, n)
		for i := range page {
			page[i] = Deployment{ID: uuid.New(), Name: "d", Tags: []string{"sales"}}
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	deployments, err := client.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Len(t, deployments, PageSize+3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListDeployments_Empty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})

	deployments, err := client.ListDeployments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestListDeployments_Unauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid API key"}`))
	})

	_, err := client.ListDeployments(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "Invalid API key")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestListDeployments_InvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := client.ListDeployments(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestListDeployments_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(url, WithRateLimit(0), WithTimeout(time.Second))
	_, err := client.ListDeployments(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestReadBlockDocument(t *testing.T) {
	id := uuid.New()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("include_secrets"))
		if r.URL.Path != "/api/block_types/slug/docker-container/block_documents/name/prod" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Block document not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(BlockDocument{ID: id, Name: "prod"})
	})

	doc, err := client.ReadBlockDocument(context.Background(), "docker-container", "prod")
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)

	_, err = client.ReadBlockDocument(context.Background(), "docker-container", "missing")
	assert.True(t, IsNotFound(err))
}

func TestCreateFlow(t *testing.T) {
	id := uuid.New()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/flows/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req flowCreate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(Flow{ID: id, Name: req.Name})
	})

	flow, err := client.CreateFlow(context.Background(), "extract_and_load")
	require.NoError(t, err)
	assert.Equal(t, id, flow.ID)
	assert.Equal(t, "extract_and_load", flow.Name)
}

func TestCreateDeployment(t *testing.T) {
	flowID := uuid.New()
	infraID := uuid.New()

	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/deployments/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Deployment{ID: uuid.New(), Name: "sales", FlowID: flowID, Tags: []string{"sales"}})
	})

	deployment, err := client.CreateDeployment(context.Background(), DeploymentCreate{
		Name:                     "sales",
		FlowID:                   flowID,
		Schedule:                 &CronSchedule{Cron: "0 6 * * *", Timezone: "UTC"},
		IsScheduleActive:         true,
		Parameters:               map[string]any{"to_path": "s3://lake/nesso/landing"},
		Tags:                     []string{"sales"},
		InfrastructureDocumentID: &infraID,
	})
	require.NoError(t, err)
	assert.True(t, deployment.HasTag("sales"))

	assert.Equal(t, "sales", got["name"])
	assert.Equal(t, flowID.String(), got["flow_id"])
	assert.Equal(t, infraID.String(), got["infrastructure_document_id"])
	assert.NotContains(t, got, "storage_document_id")
	schedule, ok := got["schedule"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0 6 * * *", schedule["cron"])
}

func TestAPIError_Unwrap(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusUnauthorized, want: ErrAuth},
		{status: http.StatusForbidden, want: ErrAuth},
		{status: http.StatusNotFound, want: ErrNotFound},
		{status: http.StatusTooManyRequests, want: ErrRateLimited},
		{status: http.StatusInternalServerError, want: nil},
	}

	for _, tt := range tests {
		err := &APIError{StatusCode: tt.status, Method: "GET", Path: "/x"}
		assert.Equal(t, tt.want, err.Unwrap(), "status %d", tt.status)
	}
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "boom", errorDetail([]byte(`{"detail":"boom"}`)))
	assert.Equal(t, "plain text", errorDetail([]byte("plain text\n")))
	assert.Equal(t, `[{"loc":["body","name"]}]`, errorDetail([]byte(`{"detail":[{"loc":["body","name"]}]}`)))
}

func TestClient_ContextCanceled(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", WithRateLimit(0.001))
	// drain the single burst token
	client.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListDeployments(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
