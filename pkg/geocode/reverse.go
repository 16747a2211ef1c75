// Package geocode resolves coordinates to ISO country codes via an HTTP
// reverse-geocoding provider. Lookups are rate limited and retried; callers
// are expected to wrap the Reverser in a Cache to bound request volume.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cellwatch/cellwatch/internal/resilience"
)

const defaultBaseURL = "https://nominatim.openstreetmap.org/reverse"

// ErrNoCountry indicates the provider answered but could not name a country
// for the coordinate, typically over open water.
var ErrNoCountry = eris.New("geocode: no country at coordinate")

// Reverser resolves a coordinate to an ISO-3166 alpha-2 country code.
type Reverser interface {
	CountryCode(ctx context.Context, lat, lon float64) (string, error)
}

// Option configures the HTTP reverser.
type Option func(*httpReverser)

// WithBaseURL overrides the default provider endpoint.
func WithBaseURL(url string) Option {
	return func(r *httpReverser) {
		r.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *httpReverser) {
		r.http = hc
	}
}

// WithRateLimit sets the request rate limit in requests per second.
func WithRateLimit(rps float64) Option {
	return func(r *httpReverser) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetryConfig overrides the retry policy for transient failures.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(r *httpReverser) {
		r.retry = cfg
	}
}

type httpReverser struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewReverser creates a reverse-geocoding client.
func NewReverser(opts ...Option) Reverser {
	r := &httpReverser{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		// Nominatim usage policy: one request per second.
		limiter: rate.NewLimiter(1, 1),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type reverseResponse struct {
	Address struct {
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

func (r *httpReverser) CountryCode(ctx context.Context, lat, lon float64) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "geocode: rate limit wait")
	}

	return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (string, error) {
		return r.doReverse(ctx, lat, lon)
	})
}

func (r *httpReverser) doReverse(ctx context.Context, lat, lon float64) (string, error) {
	url := fmt.Sprintf("%s?format=jsonv2&lat=%f&lon=%f&zoom=3", r.baseURL, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", eris.Wrap(err, "geocode: create request")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "geocode: send request"), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "geocode: read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geocode: unexpected status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	var result reverseResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", eris.Wrap(err, "geocode: unmarshal response")
	}

	if result.Address.CountryCode == "" {
		return "", ErrNoCountry
	}

	return strings.ToUpper(result.Address.CountryCode), nil
}
