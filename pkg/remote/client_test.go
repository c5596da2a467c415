package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		Timeout:        200 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RatePerSecond:  1000,
		Burst:          100,
	}
}

func TestPostJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New("test", fastPolicy(), WithHTTPClient(srv.Client()))
	var out struct{ OK bool }
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, map[string]string{"a": "b"}, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New("test", fastPolicy(), WithHTTPClient(srv.Client()))
	err := c.GetJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnreachable)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutBecomesUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := fastPolicy()
	p.Timeout = 20 * time.Millisecond
	p.MaxAttempts = 2
	c := New("slow", p, WithHTTPClient(srv.Client()))

	err := c.GetJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCancelledContextIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New("test", fastPolicy(), WithHTTPClient(srv.Client()))
	err := c.GetJSON(ctx, srv.URL, nil)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestPostRawReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/timestamp-query", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte{0x30, 0x03, 0x02, 0x01, 0x00})
	}))
	defer srv.Close()

	c := New("tsa", fastPolicy(), WithHTTPClient(srv.Client()))
	body, err := c.PostRaw(context.Background(), srv.URL, "application/timestamp-query", []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x03, 0x02, 0x01, 0x00}, body)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("ledger", 2, time.Minute)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.Failure()
	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "half-open trial")
	cb.Success()
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerAdmitsOneHalfOpenTrial(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("tsa", 1, time.Minute)
	cb.now = func() time.Time { return now }
	cb.Failure()
	now = now.Add(2 * time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted.Load())

	cb.Abandon()
	assert.True(t, cb.Allow(), "an abandoned trial frees the slot")
	assert.False(t, cb.Allow())

	cb.Failure()
	assert.False(t, cb.Allow(), "a failed trial reopens the breaker")
	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
}

func TestPolicyBudget(t *testing.T) {
	p := Policy{Timeout: 2 * time.Second, MaxAttempts: 3, MaxBackoff: time.Second}
	assert.Equal(t, 9*time.Second, p.Budget())
	assert.Equal(t, 21*time.Second, Policy{}.Budget(), "defaults")
}
