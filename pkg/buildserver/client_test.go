package buildserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSend(t *testing.T) {
	var got BuildRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	err := client.Send(context.Background(), BuildRequest{
		RequestID: "plugin-1",
		Name:      "Tasks",
		Developer: Developer{Name: "Ada", Email: "ada@example.com"},
		Zip:       Zip{URL: "https://cdn.example.com/tasks.zip"},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "application/json", headers.Get("Accept"))
	assert.Equal(t, "plugin-1", got.RequestID)
	assert.Equal(t, "ada@example.com", got.Developer.Email)
	assert.Equal(t, "https://cdn.example.com/tasks.zip", got.Zip.URL)
}

func TestClientSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	err := client.Send(context.Background(), BuildRequest{RequestID: "plugin-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "queue full")
}

func TestClientSendUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second)
	err := client.Send(context.Background(), BuildRequest{RequestID: "plugin-1"})
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      30 * time.Second,
		MaxDelay:          30 * time.Minute,
		BackoffMultiplier: 2.0,
	})

	assert.True(t, policy.ShouldRetry(0))
	assert.True(t, policy.ShouldRetry(4))
	assert.False(t, policy.ShouldRetry(5))

	assert.Equal(t, 30*time.Second, policy.NextRetryDelay(0))
	assert.Equal(t, 30*time.Second, policy.NextRetryDelay(1))
	assert.Equal(t, time.Minute, policy.NextRetryDelay(2))
	assert.Equal(t, 2*time.Minute, policy.NextRetryDelay(3))

	// Capped at the maximum.
	assert.Equal(t, 30*time.Minute, policy.NextRetryDelay(20))
}

func TestRetryPolicyDefaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{})

	assert.True(t, policy.ShouldRetry(4))
	assert.False(t, policy.ShouldRetry(5))
	assert.Equal(t, 30*time.Second, policy.NextRetryDelay(0))
}
