// Package geocode resolves street addresses to coordinates through the
// geocode.maps.co API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultBaseURL is the public geocoding endpoint.
const DefaultBaseURL = "https://geocode.maps.co"

// The free tier allows one request per second; the extra margin absorbs
// clock skew between us and the service.
const requestGap = 1100 * time.Millisecond

// Client is a rate-limited geocoding client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	gate       <-chan time.Time
}

// NewClient constructs a client. The API key comes from the GEOCODE_API
// environment variable when not set explicitly.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("GEOCODE_API")
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		gate:       time.Tick(requestGap),
	}
}

// ErrNotFound reports an address the service could not resolve.
var ErrNotFound = errors.New("geocode: address not found")

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Search resolves an address to coordinates, falling back to progressively
// shorter address forms. Returns ErrNotFound when every form misses.
func (c *Client) Search(ctx context.Context, addresses ...string) (lat, lon float64, err error) {
	for _, address := range addresses {
		if address == "" {
			continue
		}
		lat, lon, err = c.searchOne(ctx, address)
		if err == nil {
			return lat, lon, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, 0, err
		}
	}
	return 0, 0, ErrNotFound
}

func (c *Client) searchOne(ctx context.Context, address string) (float64, float64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-c.gate:
	}

	q := url.Values{"q": {address}}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geocode: status %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return 0, 0, fmt.Errorf("geocode: decode: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, ErrNotFound
	}
	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("geocode: bad latitude %q", results[0].Lat)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("geocode: bad longitude %q", results[0].Lon)
	}
	return lat, lon, nil
}
