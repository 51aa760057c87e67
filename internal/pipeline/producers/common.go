package producers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour for outbound calls.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	errRateLimited   = eris.New("rate limited")
	errServerError   = eris.New("server error")
	errUnexpected    = eris.New("unexpected status code")
	errCircuitOpen   = eris.New("circuit breaker open")
	errNoHTTPClient  = eris.New("http client not configured")
	errInvalidConfig = eris.New("invalid backoff configuration")
)

// doRequestWithResilience executes the HTTP request with retries,
// exponential backoff and a circuit breaker. The request is rebuilt for
// every attempt.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}

		resp, err := executeThroughBreaker(cb, cfg.Client, req.WithContext(ctx))
		if err == nil {
			return resp, nil
		}

		// An open circuit means the upstream is known-bad; don't burn the
		// remaining attempts against it.
		if eris.Is(err, gobreaker.ErrOpenState) || eris.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, eris.Wrapf(errCircuitOpen, "%v", err)
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		timer := time.NewTimer(backoffDelay(cfg.Backoff, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func executeThroughBreaker(cb *gobreaker.CircuitBreaker, client *http.Client, req *http.Request) (*http.Response, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, execErr
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			return nil, errRateLimited
		case resp.StatusCode >= 500:
			resp.Body.Close()
			return nil, errServerError
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			resp.Body.Close()
			return nil, eris.Wrapf(errUnexpected, "%d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, eris.New("unexpected result type from circuit breaker")
	}
	return resp, nil
}

func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	delay := cfg.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
	if cfg.MaxInterval > 0 && delay > cfg.MaxInterval {
		delay = cfg.MaxInterval
	}
	return delay
}
