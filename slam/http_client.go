package slam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultFetchTimeout bounds one attempt to pull a peer's landmarks.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultFetchAttempts is the number of tries per peer, including the first.
	DefaultFetchAttempts = 3

	defaultFetchBackoff = 500 * time.Millisecond

	// maxFetchBackoff caps the doubled backoff and any Retry-After a busy
	// peer asks for
	maxFetchBackoff = 30 * time.Second

	// maxResponseBytes caps a peer response at 8 MB
	maxResponseBytes = 8 << 20
)

// ErrPeerMismatch is returned when a peer answers with another robot's set.
var ErrPeerMismatch = errors.New("landmark set from unexpected robot")

// fetchStatusError is a non-200 answer. Only timeouts, throttling and
// server errors are worth another attempt.
type fetchStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *fetchStatusError) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

func (e *fetchStatusError) retryable() bool {
	return e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests || e.status >= 500
}

// fetchPolicy resolves a peer's fetch config against the defaults
func fetchPolicy(cfg PeerFetchConfig) PeerFetchConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultFetchAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultFetchBackoff
	}
	return cfg
}

// retryDelay is the wait before attempt n (1-based retries): the peer's
// Retry-After when it gave one, else backoff doubled per retry. Both are
// capped at maxFetchBackoff.
func retryDelay(backoff time.Duration, n int, lastErr error) time.Duration {
	d := backoff << (n - 1)
	var se *fetchStatusError
	if errors.As(lastErr, &se) && se.retryAfter > 0 {
		d = se.retryAfter
	}
	if d <= 0 || d > maxFetchBackoff {
		d = maxFetchBackoff
	}
	return d
}

// FetchPeerLandmarks pulls peer's landmark set from its apiUrl. Each
// attempt gets the peer's own timeout; transport failures, timeouts,
// throttling and server errors are retried, other statuses and malformed
// bodies are not. A set published under another robot ID is rejected.
// client may be nil.
func FetchPeerLandmarks(ctx context.Context, client *http.Client, peer PeerConfig) (LandmarksMessage, error) {
	if peer.ApiURL == nil || *peer.ApiURL == "" {
		return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: API URL is empty", peer.ID)
	}
	if client == nil {
		client = http.DefaultClient
	}
	policy := fetchPolicy(peer.Fetch)
	url := *peer.ApiURL

	var lastErr error
	for attempt := range policy.Attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: %w", peer.ID, ctx.Err())
			case <-time.After(retryDelay(policy.Backoff, attempt, lastErr)):
			}
		}

		body, err := fetchOnce(ctx, client, url, policy.Timeout)
		if err != nil {
			lastErr = err
			var se *fetchStatusError
			if errors.As(err, &se) && !se.retryable() {
				return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: %w", peer.ID, err)
			}
			continue
		}

		m, err := DecodeMessage(body)
		if err != nil {
			return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: %w", peer.ID, err)
		}
		lm, ok := m.(LandmarksMessage)
		if !ok {
			return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: got %s message: %w", peer.ID, m.Type(), ErrUnknownMessage)
		}
		if lm.RobotID != peer.ID {
			return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: set belongs to %q: %w", peer.ID, lm.RobotID, ErrPeerMismatch)
		}
		return lm, nil
	}

	return LandmarksMessage{}, fmt.Errorf("fetch landmarks from %s: all %d attempts failed: %w", peer.ID, policy.Attempts, lastErr)
}

// fetchOnce performs one GET bounded by timeout and returns the body
func fetchOnce(ctx context.Context, client *http.Client, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		se := &fetchStatusError{status: resp.StatusCode}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
		return nil, fmt.Errorf("HTTP GET %s: %w", url, se)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
