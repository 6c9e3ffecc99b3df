package hosttracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "ops@example.com", "hunter2", time.Second, nil)
}

func authMux(t *testing.T, tokenCalls *atomic.Int32) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenCalls != nil {
			tokenCalls.Add(1)
		}
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "ops@example.com", creds["login"])
		assert.Equal(t, "hunter2", creds["password"])
		fmt.Fprint(w, `{"ticket":"tkt-1","expirationTime":"2099-01-01T00:00:00Z"}`)
	})
	return mux
}

func TestGetTokenCachesTicket(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, authMux(t, &calls))

	for range 3 {
		ticket, err := c.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tkt-1", ticket)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateHTTPTask(t *testing.T) {
	mux := authMux(t, nil)
	mux.HandleFunc("POST /tasks/http", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bearer tkt-1", r.Header.Get("Authorization"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "https://example.com", payload["url"])
		assert.Equal(t, []any{"example"}, payload["keywords"])
		assert.Equal(t, []any{"europe", "america"}, payload["agentPools"])
		fmt.Fprint(w, `{"id":"task-42","taskType":"Http","url":"https://example.com","enabled":true}`)
	})
	c := newTestClient(t, mux)

	id, err := c.CreateHTTPTask(context.Background(), HTTPTaskSpec{
		URL:     "https://example.com",
		Keyword: "example",
		Regions: []string{"europe", "america"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-42", id)
}

func TestListAndDeleteTasks(t *testing.T) {
	var deleted string
	mux := authMux(t, nil)
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"a","taskType":"Http","url":"https://a.com"},{"id":"b","taskType":"Rkn","url":"https://b.com"}]`)
	})
	mux.HandleFunc("DELETE /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)

	tasks, err := c.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskTypeRKN, tasks[1].Type)

	require.NoError(t, c.DeleteTask(context.Background(), "a"))
	assert.Equal(t, "a", deleted)
}

func TestExpiredTicketDropsCache(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := authMux(t, &tokenCalls)
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"ticket expired"}`, http.StatusUnauthorized)
	})
	c := newTestClient(t, mux)

	_, err := c.ListTasks(context.Background())
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, provider.KindAuth, perr.Kind)

	_, err = c.ListTasks(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), tokenCalls.Load(), "second call re-authenticates")
}

func TestRateLimitClassification(t *testing.T) {
	mux := authMux(t, nil)
	mux.HandleFunc("POST /tasks/rkn", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	c := newTestClient(t, mux)

	_, err := c.CreateRKNTask(context.Background(), "https://example.com")
	require.True(t, provider.IsRateLimited(err))
	require.True(t, provider.IsRetryable(err))
}
