// Package gateway provides a gateway to the GitHub API,
// abstracting away the underlying GraphQL and REST transports.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
)

const (
	defaultGraphQLURL = "https://api.github.com/graphql"
	defaultRESTURL    = "https://api.github.com/"

	// DefaultMaxConnections bounds how many requests may be in flight at once
	// across both transports of one gateway instance.
	DefaultMaxConnections = 10

	restMaxAttempts = 60
	restRetryDelay  = 2 * time.Second
)

// Requester defines the behavior of a gateway for executing queries against
// GitHub. Both methods honor a soft-fail contract: on total failure they
// return an empty result and log a diagnostic instead of returning an error,
// so callers treat "no data this round" as valid input.
type Requester interface {
	QueryGraph(ctx context.Context, document string) json.RawMessage
	QueryRest(ctx context.Context, path string, params url.Values) json.RawMessage
}

// GitHubGateway is the concrete implementation of the Requester interface.
// It holds only the credential, the concurrency gate and the transport
// handles, no business data.
type GitHubGateway struct {
	token    string
	gate     *semaphore.Weighted
	primary  *http.Client
	fallback *http.Client
	rest     *github.Client
	logger   logrus.FieldLogger

	graphqlURL string
	restURL    string
	sleep      func(time.Duration)
}

// NewGitHubGateway is a constructor that creates a new instance of
// GitHubGateway. The primary transport carries the oauth2 token source on top
// of a rate limit waiter; the fallback transport is a bare HTTP client that
// sets credentials per request. maxConnections <= 0 selects the default.
func NewGitHubGateway(token string, maxConnections int, logger logrus.FieldLogger) (*GitHubGateway, error) {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	rateLimitWaiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(1*time.Hour, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	primary := &http.Client{
		Transport: &oauth2.Transport{
			Base:   rateLimitWaiter,
			Source: ts,
		},
	}
	return &GitHubGateway{
		token:      token,
		gate:       semaphore.NewWeighted(int64(maxConnections)),
		primary:    primary,
		fallback:   &http.Client{},
		rest:       github.NewClient(primary),
		logger:     logger,
		graphqlURL: defaultGraphQLURL,
		restURL:    defaultRESTURL,
		sleep:      time.Sleep,
	}, nil
}

// QueryGraph posts a query document to the GraphQL endpoint. A failure on the
// primary transport is recovered by exactly one attempt on the fallback
// transport with the same payload; if both fail the call degrades to an empty
// result.
func (g *GitHubGateway) QueryGraph(ctx context.Context, document string) json.RawMessage {
	payload, err := json.Marshal(map[string]string{"query": document})
	if err != nil {
		g.logger.WithError(err).Warn("Failed to encode GraphQL payload, returning empty result")
		return nil
	}

	body, primaryErr := g.postGraph(ctx, g.primary, payload, false)
	if primaryErr == nil {
		return body
	}
	g.logger.WithError(primaryErr).Warn("Primary transport failed for GraphQL query, falling back")

	body, fallbackErr := g.postGraph(ctx, g.fallback, payload, true)
	if fallbackErr != nil {
		g.logger.WithError(fallbackErr).Warn("Both transports failed for GraphQL query, returning empty result")
		return nil
	}
	return body
}

func (g *GitHubGateway) postGraph(ctx context.Context, client *http.Client, payload []byte, withAuth bool) (json.RawMessage, error) {
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.gate.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphqlURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if withAuth {
		// The primary client injects credentials through its oauth2 transport;
		// the fallback client has no transport-level auth.
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("graphql endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("graphql endpoint returned malformed JSON")
	}
	return body, nil
}

// QueryRest issues a GET against the REST endpoint with the same dual
// transport discipline as QueryGraph, plus a retry ladder for HTTP 202: the
// service answers 202 while results are still being computed server-side, so
// the call sleeps and retries, bounded by restMaxAttempts. Exhausting the
// ladder yields an empty result and a diagnostic that the data for this path
// is incomplete.
func (g *GitHubGateway) QueryRest(ctx context.Context, path string, params url.Values) json.RawMessage {
	path = strings.TrimPrefix(path, "/")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	for attempt := 0; attempt < restMaxAttempts; attempt++ {
		body, status, primaryErr := g.getPrimary(ctx, path)
		if primaryErr != nil {
			g.logger.WithError(primaryErr).WithField("path", path).Warn("Primary transport failed for REST query, falling back")
			var fallbackErr error
			body, status, fallbackErr = g.getFallback(ctx, path)
			if fallbackErr != nil {
				g.logger.WithError(fallbackErr).WithField("path", path).Warn("Both transports failed for REST query, returning empty result")
				return nil
			}
		}
		if status == http.StatusAccepted {
			g.logger.WithField("path", path).Debug("Path returned 202. Retrying...")
			g.sleep(restRetryDelay)
			continue
		}
		return body
	}
	g.logger.WithField("path", path).Warn("There were too many 202s. Data for this path will be incomplete")
	return nil
}

// getPrimary executes the REST request through the go-github client, which
// rides the rate-limited oauth2 transport. A 202 surfaces as
// github.AcceptedError and is not a failure for fallback purposes.
func (g *GitHubGateway) getPrimary(ctx context.Context, path string) (json.RawMessage, int, error) {
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer g.gate.Release(1)

	req, err := g.rest.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	var buf bytes.Buffer
	resp, err := g.rest.Do(ctx, req, &buf)
	var accepted *github.AcceptedError
	if errors.As(err, &accepted) {
		return nil, http.StatusAccepted, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), resp.StatusCode, nil
}

func (g *GitHubGateway) getFallback(ctx context.Context, path string) (json.RawMessage, int, error) {
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer g.gate.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.restURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "token "+g.token)

	resp, err := g.fallback.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil, http.StatusAccepted, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, resp.StatusCode, fmt.Errorf("rest endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
