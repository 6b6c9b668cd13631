package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chartfeed/internal/market"
)

// MaxKlinesPerRequest is the venue's hard cap on one klines response.
const MaxKlinesPerRequest = 1000

// DefaultRESTTimeout bounds a single klines request.
const DefaultRESTTimeout = 30 * time.Second

// Client is a thin REST client for the klines endpoint. Retry and rate
// limiting live in the history loader, not here.
type Client struct {
	baseURL string
	client  *http.Client
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a REST client for the given API base,
// e.g. "https://api.binance.com".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultRESTTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-200 REST response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Klines fetches candles for [start, end). Zero start/end are omitted;
// limit <= 0 falls back to the venue maximum. The response is the venue's
// fixed-position tuple array.
func (c *Client) Klines(ctx context.Context, symbol string, interval market.Interval, start, end int64, limit int) (market.Series, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	if start > 0 {
		q.Set("startTime", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		q.Set("endTime", strconv.FormatInt(end-1, 10)) // endTime is inclusive upstream
	}
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	q.Set("limit", strconv.Itoa(limit))

	reqURL := c.baseURL + "/api/v3/klines?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return decodeKlineTuples(body)
}

// decodeKlineTuples decodes the tuple-array klines response. Positions:
// 0 openTime, 1 open, 2 high, 3 low, 4 close, 5 volume; the rest is ignored.
func decodeKlineTuples(body []byte) (market.Series, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}

	series := make(market.Series, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("klines row %d: %d fields, want at least 6", i, len(row))
		}
		var c market.Candle
		if err := json.Unmarshal(row[0], &c.OpenTime); err != nil {
			return nil, fmt.Errorf("klines row %d openTime: %w", i, err)
		}
		fields := []struct {
			name string
			dst  *float64
			raw  json.RawMessage
		}{
			{"open", &c.Open, row[1]},
			{"high", &c.High, row[2]},
			{"low", &c.Low, row[3]},
			{"close", &c.Close, row[4]},
			{"volume", &c.Volume, row[5]},
		}
		for _, f := range fields {
			var s string
			if err := json.Unmarshal(f.raw, &s); err != nil {
				return nil, fmt.Errorf("klines row %d %s: %w", i, f.name, err)
			}
			v, err := parsePrice(f.name, s)
			if err != nil {
				return nil, fmt.Errorf("klines row %d: %w", i, err)
			}
			*f.dst = v
		}
		// Historical bars are finalized by definition.
		c.Closed = true
		series = append(series, c)
	}
	return series, nil
}
