// Package upstream implements the paginated metering-API client. Pages are
// walked with an opaque cursor until the upstream stops returning one or the
// page budget runs out, in which case the result is marked truncated.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

const (
	defaultPageSize       = 5000
	defaultMaxPages       = 100
	defaultRequestTimeout = 30 * time.Second
	errorBodyLimit        = 200
)

// Client fetches timeseries data from the metering API.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	maxPages   int
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds configuration for the Client.
type Config struct {
	BaseURL string
	APIKey  string
	// PageSize is the sample count requested per page.
	PageSize int
	// MaxPages bounds one fetch; results that hit the bound are truncated.
	MaxPages   int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		pageSize:   pageSize,
		maxPages:   maxPages,
		httpClient: httpClient,
		logger:     logger.With("component", "upstream"),
	}, nil
}

type pageResponse struct {
	PointSamples []wireSample `json:"point_samples"`
	NextCursor   string       `json:"next_cursor"`
}

type sitesResponse struct {
	Sites []struct {
		Name string `json:"name"`
	} `json:"sites"`
}

// FetchAll walks the paginated endpoint and assembles per-point series.
// The point filter is pushed into the query; unrequested points that slip
// through are still dropped client-side. Duplicate (point, time) samples
// across pages keep the last value seen.
func (c *Client) FetchAll(ctx context.Context, req *model.TimeseriesRequest, opts core.FetchOptions) (*model.FetchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindClientFault, "fetch timeseries", err)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	points := req.NormalizedPoints()
	wanted := make(map[string]bool, len(points))
	for _, p := range points {
		wanted[p] = true
	}

	type sampleKey struct {
		name string
		ts   int64
	}
	seen := make(map[sampleKey]int)
	series := make(model.PointSeries, len(wanted))

	cursor := ""
	pages := 0
	for pages < c.maxPages {
		page, err := c.fetchPage(ctx, req.Site, points, req.StartTime, req.EndTime, cursor)
		if err != nil {
			return nil, err
		}
		pages++

		for _, ws := range page.PointSamples {
			name := ws.pointName()
			if name == "" || !wanted[name] {
				continue
			}
			ts, ok := ws.sampleTime()
			if !ok {
				continue
			}
			value, ok := ws.sampleValue()
			if !ok {
				continue
			}

			key := sampleKey{name: name, ts: ts.UnixNano()}
			if idx, dup := seen[key]; dup {
				series[name][idx].Value = value
				continue
			}
			series[name] = append(series[name], model.Sample{Time: ts, Value: value})
			seen[key] = len(series[name]) - 1
		}

		if opts.Progress != nil {
			percent := pages * 100 / c.maxPages
			if percent > 99 {
				percent = 99
			}
			opts.Progress(percent)
		}

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	for name := range series {
		slices.SortFunc(series[name], func(a, b model.Sample) int {
			return a.Time.Compare(b.Time)
		})
	}
	if opts.Progress != nil {
		opts.Progress(100)
	}

	truncated := cursor != ""
	if truncated {
		c.logger.WarnContext(ctx, "fetch truncated at page budget",
			"site", req.Site, "pages", pages, "max_pages", c.maxPages)
	}
	return &model.FetchResult{Series: series, Pages: pages, Truncated: truncated}, nil
}

func (c *Client) fetchPage(ctx context.Context, site string, points []string, start, end time.Time, cursor string) (*pageResponse, error) {
	const op = "fetch timeseries page"

	endpoint := fmt.Sprintf("%s/sites/%s/timeseries/paginated", c.baseURL, url.PathEscape(site))
	params := url.Values{}
	params.Set("start_time", start.UTC().Format(time.RFC3339))
	params.Set("end_time", end.UTC().Format(time.RFC3339))
	params.Set("page_size", strconv.Itoa(c.pageSize))
	params.Set("raw_data", "true")
	if len(points) > 0 {
		params.Set("point_names", strings.Join(points, ","))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	body, err := c.get(ctx, op, endpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindServerFault, op, err)
	}
	return &page, nil
}

// Sites lists the site names the upstream exposes.
func (c *Client) Sites(ctx context.Context) ([]string, error) {
	const op = "list sites"

	body, err := c.get(ctx, op, c.baseURL+"/sites")
	if err != nil {
		return nil, err
	}

	var resp sitesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindServerFault, op, err)
	}

	sites := make([]string, 0, len(resp.Sites))
	for _, s := range resp.Sites {
		if s.Name != "" {
			sites = append(sites, s.Name)
		}
	}
	return sites, nil
}

func (c *Client) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindClientFault, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.KindTransient, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > errorBodyLimit {
			snippet = snippet[:errorBodyLimit]
		}
		return nil, fetcherr.FromStatus(op, resp.StatusCode, errors.New(snippet))
	}
	return body, nil
}

// wireSample tolerates the field aliases and loose value typing the upstream
// emits. Samples that cannot be resolved to (name, time, finite value) are
// dropped.
type wireSample struct {
	Name      string          `json:"name"`
	Point     string          `json:"point"`
	PointName string          `json:"point_name"`
	Time      json.RawMessage `json:"time"`
	Timestamp json.RawMessage `json:"timestamp"`
	TS        json.RawMessage `json:"ts"`
	Value     json.RawMessage `json:"value"`
}

func (w *wireSample) pointName() string {
	switch {
	case w.Name != "":
		return w.Name
	case w.Point != "":
		return w.Point
	default:
		return w.PointName
	}
}

func (w *wireSample) sampleTime() (time.Time, bool) {
	for _, raw := range []json.RawMessage{w.Time, w.Timestamp, w.TS} {
		if len(raw) == 0 {
			continue
		}
		var epochMillis float64
		if err := json.Unmarshal(raw, &epochMillis); err == nil {
			return time.UnixMilli(int64(epochMillis)).UTC(), true
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if ts, parseErr := time.Parse(time.RFC3339, text); parseErr == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (w *wireSample) sampleValue() (float64, bool) {
	if len(w.Value) == 0 {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(w.Value, &value); err != nil {
		var text string
		if strErr := json.Unmarshal(w.Value, &text); strErr != nil {
			return 0, false
		}
		parsed, parseErr := strconv.ParseFloat(text, 64)
		if parseErr != nil {
			return 0, false
		}
		value = parsed
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}
