package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftwell/courier/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestSession(host string) *Session {
	s := NewSession(host, "test-key", "test-container", 5*time.Second, "")
	s.SetSleep(func(time.Duration) {})
	return s
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt < 50; attempt++ {
		d := Backoff(attempt)
		if d > 2*time.Second {
			t.Fatalf("Backoff(%d) = %v, exceeds 2s cap", attempt, d)
		}
	}

	// From the 8th attempt on, never faster than one attempt per second
	for attempt := 8; attempt < 20; attempt++ {
		if d := Backoff(attempt); d < time.Second {
			t.Fatalf("Backoff(%d) = %v, below 1s floor for late attempts", attempt, d)
		}
	}

	assert.Equal(t, time.Second, Backoff(7))
	assert.Equal(t, 2*time.Second, Backoff(8))
	assert.Equal(t, 2*time.Second, Backoff(40))

	// Monotonic growth up to the cap
	for attempt := 2; attempt <= 8; attempt++ {
		assert.GreaterOrEqual(t, Backoff(attempt), Backoff(attempt-1))
	}
}

func TestAPIPath(t *testing.T) {
	s := newTestSession("http://localhost:5003")

	assert.Equal(t, "http://localhost:5003/api/v1/task/", s.APIPath("task"))
	assert.Equal(t, "http://localhost:5003/api/v1/file/abc/", s.APIPath("file", "abc"))
	assert.Equal(t, "http://localhost:5003/api/v1/service/register/", s.APIPath("service", "register"))
}

func TestDoAPISuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-APIKey"))
		assert.Equal(t, "test-container", r.Header.Get("Container-ID"))
		w.Write([]byte(`{"api_response": {"task": false}}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	raw, err := s.DoAPI(context.Background(), http.MethodGet, srv.URL, Options{})
	require.NoError(t, err)

	var body struct {
		Task bool `json:"task"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.False(t, body.Task)
}

func TestDoAPIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"api_error_message": "signature does not match expected file hash"}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	_, err := s.DoAPI(context.Background(), http.MethodPut, srv.URL, Options{})

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "signature does not match expected file hash", serverErr.Message)
}

func TestDoAPIStatusError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	_, err := s.DoAPI(context.Background(), http.MethodGet, srv.URL, Options{})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, 1, attempts, "HTTP error statuses must not be retried")
}

func TestDoAPIMissingEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"something_else": 1}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	_, err := s.DoAPI(context.Background(), http.MethodGet, srv.URL, Options{})
	require.Error(t, err)
}

func TestDoRetryExhaustion(t *testing.T) {
	// A server that is immediately closed produces connection-refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := newTestSession(url)
	_, err := s.Do(context.Background(), http.MethodGet, url, Options{MaxRetry: 3})
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestDoRewindsBodyOnRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	body := &countingBody{BytesBody: NewBytesBody([]byte(`payload`))}
	s := newTestSession(url)
	_, err := s.Do(context.Background(), http.MethodPut, url, Options{MaxRetry: 3, Body: body})

	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 2, body.rewinds, "body must be rewound before every retry beyond the first attempt")
}

func TestHeaderMergePersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"api_response": {}}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	_, err := s.DoAPI(context.Background(), http.MethodGet, srv.URL, Options{
		Headers: map[string]string{"Timeout": "30"},
	})
	require.NoError(t, err)

	assert.Equal(t, "30", s.Header("Timeout"), "per-call headers merge into the session")
}

func TestSetHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Service-Tool-Version")
		w.Write([]byte(`{"api_response": {}}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	s.SetHeader("Service-Tool-Version", "4.2.0")

	_, err := s.DoAPI(context.Background(), http.MethodGet, srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, "4.2.0", got)
}

func TestDoCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestSession(url)
	_, err := s.Do(ctx, http.MethodGet, url, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

type countingBody struct {
	*BytesBody
	rewinds int
}

func (b *countingBody) Rewind() error {
	b.rewinds++
	return b.BytesBody.Rewind()
}
