package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "key-123",
		ProjectID:  "proj-abc",
		ContextID:  "ctx-77",
		SessionTTL: 900,
	})
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ProjectID: "p"})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://browsers.test"})
	assert.Error(t, err)
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req createSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "proj-abc", req.ProjectID)
		assert.Equal(t, "us-west-2", req.Region)
		assert.Equal(t, 900, req.Timeout)
		assert.Equal(t, "ctx-77", req.ContextID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"sess-1","status":"RUNNING","region":"us-west-2","connectUrl":"ws://10.0.0.5:3000"}`)
	})

	ps, err := c.CreateSession(context.Background(), "us-west-2")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", ps.ID)
	assert.Equal(t, "ws://10.0.0.5:3000", ps.ConnectURL)
	assert.Equal(t, "us-west-2", ps.Region)
}

func TestCreateSessionRequiresConnectURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"sess-1","status":"PENDING"}`)
	})

	_, err := c.CreateSession(context.Background(), "us-west-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connect URL")
}

func TestCreateSessionSurfacesUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"concurrent session limit reached"}`)
	})

	_, err := c.CreateSession(context.Background(), "us-west-2")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "concurrent session limit reached", se.Message)
}

func TestStopSessionTreatsGoneAsStopped(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"stopped", http.StatusNoContent, false},
		{"already deleted", http.StatusNotFound, false},
		{"already expired", http.StatusGone, false},
		{"upstream broken", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/v1/sessions/sess-9", r.URL.Path)
				w.WriteHeader(tt.status)
			})

			err := c.StopSession(context.Background(), "sess-9")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContextLifecycle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/contexts":
			var req struct {
				ProjectID string `json:"projectId"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "proj-abc", req.ProjectID, "empty project must fall back to the client's")
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"ctx-1","projectId":"proj-abc","createdAt":"2025-06-01T12:00:00Z"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/contexts/ctx-1":
			fmt.Fprint(w, `{"id":"ctx-1","projectId":"proj-abc","createdAt":"2025-06-01T12:00:00Z"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/contexts/ctx-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	created, err := c.CreateContext(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", created.ID)

	got, err := c.GetContext(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	assert.NoError(t, c.DeleteContext(context.Background(), "ctx-1"))
}

func TestProvisionerBindsRegion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eu-central-1", req.Region)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"sess-2","connectUrl":"ws://10.0.0.6:3000"}`)
	})

	prov := c.Provisioner("eu-central-1")
	ps, err := prov.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-2", ps.ID)
	assert.Equal(t, "ws://10.0.0.6:3000", ps.ConnectURL)
}
