// Package earthdata searches NASA's Common Metadata Repository for TEMPO
// granules and downloads them into the local data directory.
package earthdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/tempo-no2-etl/internal/fsutil"
)

// DefaultShortName is the CMR collection short name of the TEMPO L2 NO2 product.
const DefaultShortName = "TEMPO_NO2_L2"

const (
	dataRel  = "http://esipfed.org/ns/fedsearch/1.1/data#"
	pageSize = 200
)

// ErrUnauthorized is returned when CMR or the download host rejects the token.
var ErrUnauthorized = errors.New("earthdata: unauthorized")

// Query selects granules of one collection overlapping a time range and a
// bounding box given as west, south, east, north.
type Query struct {
	ShortName string
	From, To  time.Time
	BBox      [4]float64
}

// Granule is one search hit with its downloadable data links.
type Granule struct {
	ID    string
	Title string
	Links []string
}

// Client implements pipeline.Acquirer against NASA Earthdata.
type Client struct {
	token      string
	shortName  string
	bbox       [4]float64
	dataDir    string
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// Options configures a Client.
type Options struct {
	Token     string
	ShortName string
	BBox      [4]float64
	DataDir   string
	BaseURL   string
	Timeout   time.Duration
}

// NewClient creates an Earthdata client that saves granules under opts.DataDir.
func NewClient(opts Options, logger *slog.Logger) *Client {
	shortName := opts.ShortName
	if shortName == "" {
		shortName = DefaultShortName
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://cmr.earthdata.nasa.gov"
	}
	return &Client{
		token:      opts.Token,
		shortName:  shortName,
		bbox:       opts.BBox,
		dataDir:    opts.DataDir,
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// Acquire searches for granules sensed in [from, to] and downloads every data
// file not already present in the data directory. It returns the paths of the
// files written by this call. A failed download is logged and skipped; only a
// failed search is returned as an error.
func (c *Client) Acquire(ctx context.Context, from, to time.Time) ([]string, error) {
	granules, err := c.Search(ctx, Query{ShortName: c.shortName, From: from, To: to, BBox: c.bbox})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var written []string
	for _, g := range granules {
		for _, link := range g.Links {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			dest := filepath.Join(c.dataDir, fileName(link))
			if _, err := os.Stat(dest); err == nil {
				c.logger.Debug("granule already downloaded", "path", dest)
				continue
			}
			if err := c.download(ctx, link, dest); err != nil {
				c.logger.Warn("granule download failed", "granule", g.Title, "url", link, "error", err)
				continue
			}
			c.logger.Info("granule downloaded", "granule", g.Title, "path", dest)
			written = append(written, dest)
		}
	}
	return written, nil
}

// Search queries CMR for granules matching q, following pages until a short
// page is returned.
func (c *Client) Search(ctx context.Context, q Query) ([]Granule, error) {
	var out []Granule
	for page := 1; ; page++ {
		entries, err := c.searchPage(ctx, q, page)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			g := Granule{ID: e.ID, Title: e.Title}
			for _, l := range e.Links {
				if l.Rel == dataRel && !l.Inherited && strings.HasSuffix(strings.ToLower(l.Href), ".nc") {
					g.Links = append(g.Links, l.Href)
				}
			}
			if len(g.Links) > 0 {
				out = append(out, g)
			}
		}
		if len(entries) < pageSize {
			return out, nil
		}
	}
}

func (c *Client) searchPage(ctx context.Context, q Query, page int) ([]entry, error) {
	params := url.Values{
		"short_name": {q.ShortName},
		"temporal":   {q.From.UTC().Format(time.RFC3339) + "," + q.To.UTC().Format(time.RFC3339)},
		"page_size":  {strconv.Itoa(pageSize)},
		"page_num":   {strconv.Itoa(page)},
		"sort_key":   {"start_date"},
	}
	if q.BBox != [4]float64{} {
		parts := make([]string, len(q.BBox))
		for i, v := range q.BBox {
			parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		params.Set("bounding_box", strings.Join(parts, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search/granules.json?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("granule search request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("granule search: %w", err)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return sr.Feed.Entry, nil
}

func (c *Client) download(ctx context.Context, link, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	// Partial downloads must never be visible to discovery.
	return fsutil.WriteAtomic(dest, func(w io.Writer) error {
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
		return nil
	})
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("earthdata API error: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// fileName derives a local file name from a download URL.
func fileName(link string) string {
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(link)
}

// CMR API response types.

type searchResponse struct {
	Feed struct {
		Entry []entry `json:"entry"`
	} `json:"feed"`
}

type entry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Links []link `json:"links"`
}

type link struct {
	Href      string `json:"href"`
	Rel       string `json:"rel"`
	Inherited bool   `json:"inherited"`
}
