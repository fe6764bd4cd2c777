package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errTransport simulates a dead primary transport.
type errTransport struct{}

func (errTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("primary transport down")
}

// setupTestGateway creates a GitHubGateway that communicates with a mock HTTP server.
func setupTestGateway(t *testing.T, handler http.Handler) (*GitHubGateway, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	// Point the REST client at the mock server, like in production but with
	// the base URL redirected.
	restClient := github.NewClient(server.Client())
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	restClient.BaseURL = baseURL

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	gateway := &GitHubGateway{
		token:      "test-token",
		gate:       semaphore.NewWeighted(DefaultMaxConnections),
		primary:    server.Client(),
		fallback:   server.Client(),
		rest:       restClient,
		logger:     logger,
		graphqlURL: server.URL + "/graphql",
		restURL:    server.URL + "/",
		sleep:      func(time.Duration) {},
	}
	return gateway, server
}

func TestGitHubGateway_QueryGraph(t *testing.T) {
	t.Run("happy path - returns the response body", func(t *testing.T) {
		handler := func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var payload map[string]string
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.Equal(t, "{ viewer { login } }", payload["query"])
			fmt.Fprint(w, `{"data":{"viewer":{"login":"octocat"}}}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		result := gateway.QueryGraph(context.Background(), "{ viewer { login } }")
		assert.JSONEq(t, `{"data":{"viewer":{"login":"octocat"}}}`, string(result))
	})

	t.Run("primary failure falls back once with credentials", func(t *testing.T) {
		var requests int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			// The fallback transport has no oauth2 layer, so it must attach
			// the bearer credential itself.
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"data":{}}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))
		gateway.primary = &http.Client{Transport: errTransport{}}

		result := gateway.QueryGraph(context.Background(), "{ viewer { login } }")
		assert.JSONEq(t, `{"data":{}}`, string(result))
		assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	})

	t.Run("malformed primary response triggers fallback", func(t *testing.T) {
		var requests int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requests, 1) == 1 {
				fmt.Fprint(w, "definitely not json")
				return
			}
			fmt.Fprint(w, `{"data":{"viewer":{}}}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		result := gateway.QueryGraph(context.Background(), "{ viewer { login } }")
		assert.JSONEq(t, `{"data":{"viewer":{}}}`, string(result))
		assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	})

	t.Run("both transports failing degrades to an empty result", func(t *testing.T) {
		handler := func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		result := gateway.QueryGraph(context.Background(), "{ viewer { login } }")
		assert.Empty(t, result)
	})
}

func TestGitHubGateway_QueryRest(t *testing.T) {
	t.Run("happy path - returns the payload", func(t *testing.T) {
		handler := func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/repos/org/repo/stats/contributors", r.URL.Path)
			fmt.Fprint(w, `[{"total":42}]`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		result := gateway.QueryRest(context.Background(), "repos/org/repo/stats/contributors", nil)
		assert.JSONEq(t, `[{"total":42}]`, string(result))
	})

	t.Run("a leading path separator is stripped", func(t *testing.T) {
		var path string
		handler := func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			fmt.Fprint(w, `{}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		gateway.QueryRest(context.Background(), "/repos/org/repo", nil)
		assert.Equal(t, "/repos/org/repo", path)
	})

	t.Run("query parameters are encoded onto the path", func(t *testing.T) {
		var rawQuery string
		handler := func(w http.ResponseWriter, r *http.Request) {
			rawQuery = r.URL.RawQuery
			fmt.Fprint(w, `{}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		gateway.QueryRest(context.Background(), "repos/org/repo", url.Values{"per_page": {"100"}})
		assert.Equal(t, "per_page=100", rawQuery)
	})

	t.Run("202 responses retry until a 200 arrives", func(t *testing.T) {
		var requests, sleeps int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requests, 1) <= 3 {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			fmt.Fprint(w, `{"ready":true}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))
		gateway.sleep = func(d time.Duration) {
			assert.Equal(t, restRetryDelay, d)
			atomic.AddInt32(&sleeps, 1)
		}

		result := gateway.QueryRest(context.Background(), "repos/org/repo/stats/contributors", nil)
		assert.JSONEq(t, `{"ready":true}`, string(result))
		assert.Equal(t, int32(4), atomic.LoadInt32(&requests))
		assert.Equal(t, int32(3), atomic.LoadInt32(&sleeps))
	})

	t.Run("the ladder never issues more than 60 attempts", func(t *testing.T) {
		var requests int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusAccepted)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		result := gateway.QueryRest(context.Background(), "repos/org/repo/stats/contributors", nil)
		assert.Empty(t, result)
		assert.Equal(t, int32(restMaxAttempts), atomic.LoadInt32(&requests))
	})

	t.Run("primary failure falls back with the token scheme", func(t *testing.T) {
		var auth string
		handler := func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			fmt.Fprint(w, `{"ok":true}`)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))
		gateway.rest = github.NewClient(&http.Client{Transport: errTransport{}})

		result := gateway.QueryRest(context.Background(), "repos/org/repo", nil)
		assert.JSONEq(t, `{"ok":true}`, string(result))
		assert.Equal(t, "token test-token", auth)
	})

	t.Run("both transports failing degrades to an empty result", func(t *testing.T) {
		var requests int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}
		gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))

		result := gateway.QueryRest(context.Background(), "repos/org/repo", nil)
		assert.Empty(t, result)
		// One primary and one fallback attempt, no retry ladder on hard failure.
		assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	})
}

func TestGitHubGateway_ConcurrencyGate(t *testing.T) {
	var inFlight, peak int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			observed := atomic.LoadInt32(&peak)
			if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		fmt.Fprint(w, `{}`)
	}
	gateway, _ := setupTestGateway(t, http.HandlerFunc(handler))
	gateway.gate = semaphore.NewWeighted(2)

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			gateway.QueryGraph(context.Background(), "{ viewer { login } }")
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestNewGitHubGateway_DefaultsConcurrency(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	gateway, err := NewGitHubGateway("test-token", 0, logger)
	require.NoError(t, err)
	assert.True(t, gateway.gate.TryAcquire(DefaultMaxConnections))
	assert.False(t, gateway.gate.TryAcquire(1))
}
