package buildserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapp/panel/pkg/observability"
)

type fakeOutbox struct {
	mu sync.Mutex

	due       []Delivery
	dueErr    error
	delivered []string
	failed    []string
	abandoned []string
	lastCause string
}

func (f *fakeOutbox) DuePendingDeliveries(_ context.Context, _ int) ([]Delivery, error) {
	return f.due, f.dueErr
}

func (f *fakeOutbox) MarkDelivered(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id string, _ time.Time, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	f.lastCause = cause
	return nil
}

func (f *fakeOutbox) MarkAbandoned(_ context.Context, id string, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, id)
	f.lastCause = cause
	return nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func payload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(BuildRequest{
		RequestID: "plugin-1",
		Name:      "Tasks",
		Developer: Developer{Name: "Ada", Email: "ada@example.com"},
		Zip:       Zip{URL: "https://cdn.example.com/tasks.zip"},
	})
	require.NoError(t, err)
	return data
}

func TestRedelivererDeliversDueRows(t *testing.T) {
	var received int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outbox := &fakeOutbox{due: []Delivery{
		{ID: "d1", PluginID: "plugin-1", Payload: payload(t), Attempts: 1},
		{ID: "d2", PluginID: "plugin-2", Payload: payload(t), Attempts: 0},
	}}
	r := NewRedeliverer(outbox, NewClient(srv.URL, time.Second), NewRetryPolicy(RetryConfig{}), testLogger(), nil)

	delivered, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, received)
	assert.ElementsMatch(t, []string{"d1", "d2"}, outbox.delivered)
	assert.Empty(t, outbox.failed)
}

func TestRedelivererReschedulesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still down", http.StatusBadGateway)
	}))
	defer srv.Close()

	outbox := &fakeOutbox{due: []Delivery{
		{ID: "d1", PluginID: "plugin-1", Payload: payload(t), Attempts: 1},
	}}
	r := NewRedeliverer(outbox, NewClient(srv.URL, time.Second), NewRetryPolicy(RetryConfig{MaxAttempts: 5}), testLogger(), nil)

	delivered, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, []string{"d1"}, outbox.failed)
	assert.Contains(t, outbox.lastCause, "502")
}

func TestRedelivererAbandonsAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still down", http.StatusBadGateway)
	}))
	defer srv.Close()

	outbox := &fakeOutbox{due: []Delivery{
		{ID: "d1", PluginID: "plugin-1", Payload: payload(t), Attempts: 4},
	}}
	r := NewRedeliverer(outbox, NewClient(srv.URL, time.Second), NewRetryPolicy(RetryConfig{MaxAttempts: 5}), testLogger(), nil)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, outbox.abandoned)
	assert.Empty(t, outbox.failed)
}

func TestRedelivererAbandonsUnreadablePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for unreadable payload")
	}))
	defer srv.Close()

	outbox := &fakeOutbox{due: []Delivery{
		{ID: "d1", PluginID: "plugin-1", Payload: []byte("{not json"), Attempts: 0},
	}}
	r := NewRedeliverer(outbox, NewClient(srv.URL, time.Second), NewRetryPolicy(RetryConfig{}), testLogger(), nil)

	delivered, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, []string{"d1"}, outbox.abandoned)
	assert.Contains(t, outbox.lastCause, "unreadable payload")
}

func TestNotifierDispatchMarksDelivered(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outbox := &fakeOutbox{}
	n := NewNotifier(NewClient(srv.URL, time.Second), &markSignal{fakeOutbox: outbox, done: done}, NewRetryPolicy(RetryConfig{}), testLogger(), nil)

	n.Dispatch(context.Background(), "d1", BuildRequest{RequestID: "plugin-1"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never completed")
	}
	assert.Equal(t, []string{"d1"}, outbox.delivered)
}

func TestNotifierDispatchMarksFailed(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	outbox := &fakeOutbox{}
	n := NewNotifier(NewClient(srv.URL, time.Second), &markSignal{fakeOutbox: outbox, done: done}, NewRetryPolicy(RetryConfig{}), testLogger(), nil)

	n.Dispatch(context.Background(), "d1", BuildRequest{RequestID: "plugin-1"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never completed")
	}
	assert.Equal(t, []string{"d1"}, outbox.failed)
	assert.Empty(t, outbox.delivered)
}

// markSignal closes done after the first terminal outbox write.
type markSignal struct {
	*fakeOutbox
	done chan struct{}
	once sync.Once
}

func (m *markSignal) MarkDelivered(ctx context.Context, id string) error {
	err := m.fakeOutbox.MarkDelivered(ctx, id)
	m.once.Do(func() { close(m.done) })
	return err
}

func (m *markSignal) MarkFailed(ctx context.Context, id string, at time.Time, cause string) error {
	err := m.fakeOutbox.MarkFailed(ctx, id, at, cause)
	m.once.Do(func() { close(m.done) })
	return err
}
