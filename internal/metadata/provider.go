// Package metadata enriches records with ratings, artwork and descriptive
// fields from external providers. Provider failures degrade to a nil bundle
// for that provider, a delivery never fails because a third party is down.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jon4hz/jellynouncer/internal/models"
)

// Provider is one external metadata source.
type Provider interface {
	// Name is the stable provider key used for caching and logging.
	Name() string
	// Usable reports whether the item carries an identifier this provider
	// can look up.
	Usable(item *models.MediaItem) bool
	// Key returns the cache key for the item, unique within the provider.
	Key(item *models.MediaItem) string
	// Fetch retrieves the provider result from the network. A nil result
	// with a nil error is a definitive miss and gets cached as such.
	Fetch(ctx context.Context, item *models.MediaItem) (*ProviderResult, error)
}

// ProviderResult is the normalized output of one provider lookup.
type ProviderResult struct {
	Provider       string      `json:"provider"`
	Title          string      `json:"title,omitempty"`
	Year           int         `json:"year,omitempty"`
	RuntimeMinutes int         `json:"runtime_minutes,omitempty"`
	Genres         []string    `json:"genres,omitempty"`
	Actors         []string    `json:"actors,omitempty"`
	Overview       string      `json:"overview,omitempty"`
	Tagline        string      `json:"tagline,omitempty"`
	PosterURL      string      `json:"poster_url,omitempty"`
	BackdropURL    string      `json:"backdrop_url,omitempty"`
	Ratings        []RawRating `json:"ratings,omitempty"`
}

// RawRating is a provider-reported rating before unification. Value keeps the
// provider's own notation ("8.7/10", "88%", "73/100", "8.2").
type RawRating struct {
	Source string `json:"source"`
	Value  string `json:"value"`
	Votes  int    `json:"votes,omitempty"`
}

// Bundle is the transient enrichment attached to one delivery.
type Bundle struct {
	OMDb    *ProviderResult    `json:"omdb,omitempty"`
	TMDb    *ProviderResult    `json:"tmdb,omitempty"`
	TVDb    *ProviderResult    `json:"tvdb,omitempty"`
	Ratings map[string]float64 `json:"ratings,omitempty"`
}

// errNotFound marks a provider miss. Cached like any other result.
var errNotFound = errors.New("not found")

// statusError reports a non-retriable HTTP status.
type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

const (
	requestTimeout = 10 * time.Second
	// minRequestInterval paces requests per provider.
	minRequestInterval = time.Second
	retryDelay         = 300 * time.Millisecond
)

// client is the HTTP plumbing shared by the providers: a minimum interval
// between requests and a single retry on transient failures.
type client struct {
	http *http.Client

	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

func newClient(httpClient *http.Client) *client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &client{
		http:        httpClient,
		minInterval: minRequestInterval,
	}
}

// throttle blocks until the provider may send its next request.
func (c *client) throttle() {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()
	if since := time.Since(c.lastRequest); since < c.minInterval {
		time.Sleep(c.minInterval - since)
	}
	c.lastRequest = time.Now()
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *client) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	return c.do(ctx, http.MethodGet, url, header, nil, out)
}

// postJSON performs a POST with a JSON body and decodes the response into out.
func (c *client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, nil, payload, out)
}

func (c *client) do(ctx context.Context, method, url string, header http.Header, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		c.throttle()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close() //nolint:errcheck
			if err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close() //nolint:errcheck
			return errNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close() //nolint:errcheck
			lastErr = &statusError{Code: resp.StatusCode}
			continue
		default:
			resp.Body.Close() //nolint:errcheck
			return &statusError{Code: resp.StatusCode}
		}
	}
	return lastErr
}
