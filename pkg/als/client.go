// Package als queries an Apple-style cell location service for reference
// cells near an observed cell. The service answers with candidate towers
// and their surveyed positions, which the verification pipeline compares
// against what the device actually connected to.
package als

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/resilience"
)

const defaultBaseURL = "https://gs-loc.apple.com/clls/wloc"

// Client fetches reference cells near an observed cell.
type Client interface {
	NearbyCells(ctx context.Context, origin model.QueryCell) ([]model.ALSCell, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default service endpoint.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the request rate limit in requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetryConfig overrides the retry policy for transient failures.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a location-service client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(2, 2),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type lookupRequest struct {
	Technology string `json:"technology"`
	Country    int32  `json:"mcc"`
	Network    int32  `json:"mnc"`
	Area       int32  `json:"area"`
	Cell       int64  `json:"cell"`
}

type lookupResponse struct {
	Cells []cellRecord `json:"cells"`
}

type cellRecord struct {
	Technology   string  `json:"technology"`
	Country      int32   `json:"mcc"`
	Network      int32   `json:"mnc"`
	Area         int32   `json:"area"`
	Cell         int64   `json:"cell"`
	Frequency    int32   `json:"frequency"`
	PhysicalCell int32   `json:"pci"`
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
	Accuracy     float64 `json:"accuracy"`
	Reach        float64 `json:"reach"`
}

// NearbyCells queries the service for cells near the origin cell. Candidates
// without a precise cell identifier are dropped; the service pads responses
// with area-only records that cannot serve as ground truth.
func (c *httpClient) NearbyCells(ctx context.Context, origin model.QueryCell) ([]model.ALSCell, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "als: rate limit wait")
	}

	body, err := json.Marshal(lookupRequest{
		Technology: string(origin.Technology),
		Country:    origin.Country,
		Network:    origin.Network,
		Area:       origin.Area,
		Cell:       origin.Cell,
	})
	if err != nil {
		return nil, eris.Wrap(err, "als: marshal request")
	}

	result, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*lookupResponse, error) {
		return c.doLookup(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cells := make([]model.ALSCell, 0, len(result.Cells))
	for _, rec := range result.Cells {
		cell := model.ALSCell{
			Technology:   model.Technology(rec.Technology),
			Country:      rec.Country,
			Network:      rec.Network,
			Area:         rec.Area,
			Cell:         rec.Cell,
			Frequency:    rec.Frequency,
			PhysicalCell: rec.PhysicalCell,
			ImportedAt:   now,
		}
		if !cell.Precise() {
			continue
		}
		if rec.Latitude != 0 || rec.Longitude != 0 {
			cell.Location = &model.QueryLocation{
				Latitude:           rec.Latitude,
				Longitude:          rec.Longitude,
				HorizontalAccuracy: rec.Accuracy,
				Reach:              rec.Reach,
				CollectedAt:        now,
			}
		}
		cells = append(cells, cell)
	}

	return cells, nil
}

func (c *httpClient) doLookup(ctx context.Context, body []byte) (*lookupResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "als: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "als: send request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "als: read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("als: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result lookupResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "als: unmarshal response")
	}

	return &result, nil
}
