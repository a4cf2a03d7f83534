package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siftwell/courier/pkg/log"
	"github.com/siftwell/courier/pkg/metrics"
)

// APIVersion is the task server API generation this client speaks
const APIVersion = "v1"

// unreachableLogInterval controls how often repeated connection failures are
// logged after the first one, to avoid flooding while the server is down.
const unreachableLogInterval = 10

// Session is a persistent HTTP session against the task server. Default
// headers (API key, container id, service identity) are carried on every
// request; per-call headers are merged in permanently, mirroring the
// server's expectation that identity headers never regress.
type Session struct {
	host   string
	client *http.Client

	mu      sync.RWMutex
	headers map[string]string

	defaultTimeout time.Duration

	// sleep is replaceable so tests can run the retry loop without waiting
	sleep func(time.Duration)

	logger zerolog.Logger
}

// Options are the per-request knobs for Session.Do and Session.DoAPI
type Options struct {
	// Headers are merged into the session's default headers before the
	// request is sent.
	Headers map[string]string

	// Body is the request body. Bodies implementing Rewindable are rewound
	// before each retry.
	Body io.Reader

	// ContentType is set when Body is present
	ContentType string

	// Timeout bounds a single attempt. Zero means the session default.
	Timeout time.Duration

	// MaxRetry bounds the number of attempts. Zero retries indefinitely.
	MaxRetry int
}

// NewSession creates a session with the given default headers. rootCAPath is
// consulted only for https hosts; a missing CA file falls back to the system
// pool.
func NewSession(host, apiKey, containerID string, defaultTimeout time.Duration, rootCAPath string) *Session {
	client := &http.Client{}
	if strings.HasPrefix(host, "https") {
		if pem, err := os.ReadFile(rootCAPath); err == nil {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				client.Transport = &http.Transport{
					TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
				}
			}
		}
	}

	return &Session{
		host:   strings.TrimRight(host, "/"),
		client: client,
		headers: map[string]string{
			"X-APIKey":     apiKey,
			"Container-ID": containerID,
		},
		defaultTimeout: defaultTimeout,
		sleep:          time.Sleep,
		logger:         log.WithComponent("gateway"),
	}
}

// SetHeader updates one of the session's default headers. Used when the
// worker reports a new tool version mid-run.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[key] = value
}

// Header returns the current value of a session default header
func (s *Session) Header(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headers[key]
}

// SetSleep replaces the retry sleep function (tests only)
func (s *Session) SetSleep(fn func(time.Duration)) {
	s.sleep = fn
}

// APIPath builds the API url: <host>/api/v1/<prefix>/[arg1/[arg2/...]]/
func (s *Session) APIPath(prefix string, args ...string) string {
	parts := append([]string{s.host, "api", APIVersion, prefix}, args...)
	return strings.Join(parts, "/") + "/"
}

// Backoff returns the wait before retry attempt n. The curve doubles from
// sub-second values and is capped at 2 seconds: from the 8th attempt on the
// session never retries faster than once per 2 seconds.
func Backoff(attempt int) time.Duration {
	if attempt >= 8 {
		return 2 * time.Second
	}
	return time.Duration(float64(time.Second) * math.Pow(2, float64(attempt-7)))
}

// Do performs the request with uniform retry and returns the raw response,
// whatever its status code. Transport-transient failures (connection
// refused, timeout) are retried; anything else is returned as an error.
// When MaxRetry is exhausted without an answer, ErrNoResponse is returned.
func (s *Session) Do(ctx context.Context, method, url string, opts Options) (*http.Response, error) {
	s.mergeHeaders(opts.Headers)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	client := *s.client
	client.Timeout = timeout

	s.logger.Debug().Str("url", url).Str("headers", s.headerDump()).Msg("query headers")

	attempt := 0
	for opts.MaxRetry == 0 || attempt < opts.MaxRetry {
		if attempt > 0 {
			metrics.RequestRetries.Inc()
			s.sleep(Backoff(attempt))
			if rw, ok := opts.Body.(Rewindable); ok {
				if err := rw.Rewind(); err != nil {
					return nil, fmt.Errorf("failed to rewind request body: %w", err)
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, opts.Body)
		if err != nil {
			return nil, err
		}
		s.applyHeaders(req)
		if opts.ContentType != "" {
			req.Header.Set("Content-Type", opts.ContentType)
		}

		resp, err := client.Do(req)
		if err == nil {
			return resp, nil
		}

		switch {
		case ctx.Err() != nil:
			// Shutdown or caller cancellation, do not keep retrying
			return nil, ctx.Err()
		case isTimeout(err):
			s.logger.Warn().Str("url", url).Err(err).Msg("request timed out, retrying")
		case isConnectionError(err):
			if attempt == 0 {
				s.logger.Info().Msg("service server is unreachable")
			} else if attempt%unreachableLogInterval == 0 {
				s.logger.Warn().Int("attempts", attempt).
					Msg("service server has been unreachable, is there something wrong with it?")
			}
		default:
			metrics.RequestErrors.WithLabelValues("transport").Inc()
			return nil, err
		}

		attempt++
	}

	return nil, ErrNoResponse
}

// DoAPI performs the request like Do, then interprets the response as an API
// envelope and returns its api_response field. A 400 status with a
// structured api_error_message becomes a *ServerError; any other non-2xx
// status becomes a *StatusError. Both are terminal for the operation.
func (s *Session) DoAPI(ctx context.Context, method, url string, opts Options) (json.RawMessage, error) {
	resp, err := s.Do(ctx, method, url, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var apiErr struct {
			Message string `json:"api_error_message"`
		}
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Message != "" {
			s.logger.Error().Str("url", url).Msg(apiErr.Message)
			metrics.RequestErrors.WithLabelValues("application").Inc()
			return nil, &ServerError{Message: apiErr.Message}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RequestErrors.WithLabelValues("status").Inc()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var envelope struct {
		Response json.RawMessage `json:"api_response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse API envelope: %w", err)
	}
	if envelope.Response == nil {
		return nil, errors.New("API response envelope is missing the api_response field")
	}

	return envelope.Response, nil
}

func (s *Session) mergeHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range headers {
		s.headers[k] = v
	}
}

func (s *Session) applyHeaders(req *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
}

func (s *Session) headerDump() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := make([]string, 0, len(s.headers))
	for k, v := range s.headers {
		if k == "X-APIKey" {
			v = "***"
		}
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "; ")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
