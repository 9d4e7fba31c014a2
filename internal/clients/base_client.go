package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"example.com/backstage/services/orchestrator/internal/dto"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BaseHTTPClient is the shared retrying GET client used by the User and
// Template remote service clients. 4xx responses are permanent (no point
// retrying a bad request or a genuinely missing resource); everything else
// -- network errors, timeouts, 5xx -- is retried with exponential backoff
// and full jitter until MaxElapsedTime is exhausted.
type BaseHTTPClient struct {
	logger     zerolog.Logger
	httpClient *http.Client
}

// NewBaseHTTPClient builds a client with the connection-pooling posture this
// codebase's other HTTP clients use.
func NewBaseHTTPClient(logger zerolog.Logger) *BaseHTTPClient {
	return &BaseHTTPClient{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// newBackOff builds the retry policy demanded by the enrichment step: initial
// 500ms, multiplier 2, max elapsed 30s, full jitter (backoff.ExponentialBackOff
// already randomizes each interval within its RandomizationFactor).
func newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 1.0
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

// DoWithRetry issues a GET against url and decodes an dto.HTTPResponse,
// retrying transient failures per newBackOff. errorMsg becomes the Message
// field of the terminal failure response returned when retries are exhausted
// or a permanent error is hit.
func (c *BaseHTTPClient) DoWithRetry(ctx context.Context, url, errorMsg string) (dto.HTTPResponse, error) {
	var result dto.HTTPResponse

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("client error: %d", resp.StatusCode))
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to decode response body"))
		}

		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("url", url).Dur("backoff", wait).Msg("remote service call failed, retrying")
	}

	if err := backoff.RetryNotify(operation, newBackOff(ctx), notify); err != nil {
		return dto.HTTPResponse{Success: false, Error: err.Error(), Message: errorMsg}, err
	}

	return result, nil
}
