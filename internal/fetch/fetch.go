// Package fetch loads the transport dataset from a URL or a local file
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// DefaultTimeout bounds a single HTTP fetch
const DefaultTimeout = 15 * time.Second

// maxBodySize caps the dataset read from a response
const maxBodySize = 64 << 20

// Fetcher produces a transport dataset
type Fetcher interface {
	Fetch(ctx context.Context, source string) (*models.TransportData, error)
}

// Client fetches transport datasets over HTTP or from disk.
// It does not retry; the caller decides when to try again.
type Client struct {
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a client. A nil httpClient uses one with DefaultTimeout.
func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		client: httpClient,
		logger: logging.OrNop(logger),
	}
}

// Fetch loads the dataset at source: an http(s) URL, a file:// URL or a
// plain path.
func (c *Client) Fetch(ctx context.Context, source string) (*models.TransportData, error) {
	if source == "" {
		return nil, fmt.Errorf("transport data source is empty")
	}

	start := time.Now()
	var (
		data *models.TransportData
		err  error
	)
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		data, err = c.fetchHTTP(ctx, source)
	case strings.HasPrefix(source, "file://"):
		u, perr := url.Parse(source)
		if perr != nil {
			return nil, fmt.Errorf("invalid file url %q: %w", source, perr)
		}
		data, err = readFile(u.Path)
	default:
		data, err = readFile(source)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("transport data fetched",
		zap.String("source", source),
		zap.Int("lines", len(data.Lines)),
		zap.Int("stations", len(data.Stations)),
		zap.Duration("took", time.Since(start)),
	)
	return data, nil
}

func (c *Client) fetchHTTP(ctx context.Context, source string) (*models.TransportData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transport data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport data returned status %d", resp.StatusCode)
	}

	return decode(io.LimitReader(resp.Body, maxBodySize))
}

func readFile(path string) (*models.TransportData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport data: %w", err)
	}
	defer f.Close()

	return decode(f)
}

func decode(r io.Reader) (*models.TransportData, error) {
	var data models.TransportData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to parse transport data: %w", err)
	}
	if data.Stations == nil {
		data.Stations = map[int64]models.Station{}
	}
	return &data, nil
}
