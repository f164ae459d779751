package tact

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// fetchTimeout is the per-request CDN fetch timeout.
const fetchTimeout = 30 * time.Second

// Client fetches TACT manifests from the Blizzard CDN. A single shared
// *http.Client carries every request; a token-bucket limiter paces
// outbound requests to avoid hammering a CDN host during an
// archive-heavy rebuild.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient constructs a Client with sensible timeouts and a CDN fetch rate
// of ratePerSecond requests/second (burst of the same size).
func NewClient(ratePerSecond int) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	return &Client{
		http: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				MaxIdleConns:          100,
				MaxConnsPerHost:       10,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}
}

// fetch performs a GET request against url, honoring the rate limiter and
// ctx cancellation, and returns the full response body. A non-2xx status
// is returned as an error; callers decide whether to retry.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tact: cdn http %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// hashPrefix returns the two two-hex-char directory components used to
// build TACT content-addressed paths: "<hh>/<hh>/<hash>".
func hashPrefix(hash string) (string, string, error) {
	if len(hash) < 4 {
		return "", "", fmt.Errorf("tact: hash %q too short for path derivation", hash)
	}
	return hash[0:2], hash[2:4], nil
}

// dataPath builds "<cdnPath>/<kind>/<hh>/<hh>/<hash>" for a content hash.
func dataPath(cdnPath, kind, hash string) (string, error) {
	a, b, err := hashPrefix(hash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", cdnPath, kind, a, b, hash), nil
}
