package spawner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayClient_Spawn(t *testing.T) {
	t.Run("accepted spawn returns the runId", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/agents/call", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)

			var req SpawnRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "coder", req.AgentID)

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(SpawnResponse{Status: "accepted", RunID: "gw-run-1"})
		}))
		defer srv.Close()

		client := NewGatewayClient(srv.URL, time.Second)
		resp, err := client.Spawn(context.Background(), SpawnRequest{AgentID: "coder"})
		require.NoError(t, err)
		assert.Equal(t, "gw-run-1", resp.RunID)
	})

	t.Run("non-accepted status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(SpawnResponse{Status: "rejected"})
		}))
		defer srv.Close()

		client := NewGatewayClient(srv.URL, time.Second)
		_, err := client.Spawn(context.Background(), SpawnRequest{AgentID: "coder"})
		assert.Error(t, err)
	})

	t.Run("non-2xx HTTP status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewGatewayClient(srv.URL, time.Second)
		_, err := client.Spawn(context.Background(), SpawnRequest{AgentID: "coder"})
		assert.Error(t, err)
	})
}

func TestGatewayClient_ResolveSessionID(t *testing.T) {
	t.Run("resolves immediately when the first poll finds the session", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(StatusResponse{Found: true, SessionID: "sess-123"})
		}))
		defer srv.Close()

		client := NewGatewayClient(srv.URL, time.Second)
		got := client.ResolveSessionID(context.Background(), "gw-run-1")
		assert.Equal(t, "sess-123", got)
	})

	t.Run("falls back to runID when the context is cancelled mid-poll", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(StatusResponse{Found: false})
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		client := NewGatewayClient(srv.URL, time.Second)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		got := client.ResolveSessionID(ctx, "gw-run-1")
		assert.Equal(t, "gw-run-1", got)
	})

	t.Run("falls back to runID on repeated errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		client := NewGatewayClient(srv.URL, time.Second)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		got := client.ResolveSessionID(ctx, "gw-run-1")
		assert.Equal(t, "gw-run-1", got)
	})
}

func TestNewGatewayClient_DefaultsTimeout(t *testing.T) {
	client := NewGatewayClient("http://example.test", 0)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}
