package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"automation/pkg/backoff"
	"automation/pkg/cloudevent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func newTestDispatcher(t *testing.T, cfg MemoryConfig) *MemoryDispatcher {
	t.Helper()
	if cfg.Backoff == (backoff.Config{}) {
		cfg.Backoff = fastBackoff
	}
	d := NewMemory(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func testEvent(url string) *Event {
	return &Event{
		Payload:     cloudevent.New("automation.job.exit", "automation-service", "job-1", nil),
		Destination: url,
	}
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 10, Workers: 2})
	require.NoError(t, d.Dispatch(testEvent(server.URL)))

	require.Eventually(t, func() bool { return d.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, int64(1), d.Stats().Queued)
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 1, Workers: 1})

	var full int
	for range 5 {
		if err := d.Dispatch(testEvent(server.URL)); err == ErrBufferFull {
			full++
		}
	}
	assert.Positive(t, full)
	assert.Equal(t, int64(full), d.Stats().Dropped)
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1, MaxRetries: 3})
	require.NoError(t, d.Dispatch(testEvent(server.URL)))

	require.Eventually(t, func() bool { return d.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), d.Stats().RetriesTotal)
}

func TestMemoryDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1, MaxRetries: 2})
	require.NoError(t, d.Dispatch(testEvent(server.URL)))

	require.Eventually(t, func() bool { return d.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1, MaxRetries: 3})
	require.NoError(t, d.Dispatch(testEvent(server.URL)))

	require.Eventually(t, func() bool { return d.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMemoryDispatcher_SignsPayload(t *testing.T) {
	t.Parallel()
	type request struct {
		signature string
		body      []byte
	}
	requests := make(chan request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- request{signature: r.Header.Get(cloudevent.SignatureHeader), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1})
	event := testEvent(server.URL)
	event.SigningKey = "secret-key"
	require.NoError(t, d.Dispatch(event))

	select {
	case got := <-requests:
		assert.True(t, cloudevent.Verify(got.body, "secret-key", got.signature))
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestMemoryDispatcher_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 2, Backoff: fastBackoff}, nil)
	for range 10 {
		require.NoError(t, d.Dispatch(testEvent(server.URL)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, int32(10), received.Load())

	assert.ErrorIs(t, d.Dispatch(testEvent(server.URL)), ErrClosed)
	assert.NoError(t, d.Close(ctx), "second close is a no-op")
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"http://localhost:8080/webhook":          "localhost:8080",
		"https://example.com/callback?token=abc": "example.com",
		"http://192.168.1.1:9000/hook":           "192.168.1.1:9000",
		"://invalid":                             "://invalid",
		"":                                       "",
	}
	for raw, want := range tests {
		assert.Equal(t, want, extractHost(raw), raw)
	}
}
