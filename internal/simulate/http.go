package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
)

// Client talks to a running ranking server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client with a request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Health checks that the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	_, err = readResponseBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnexpectedCode, resp.StatusCode)
	}
	return nil
}

// Trigger runs a computation and returns its report. A non-2xx response
// still decodes the report, and the error names the status.
func (c *Client) Trigger(ctx context.Context) (types.RunReport, error) {
	var report types.RunReport
	resp, err := c.do(ctx, http.MethodPost, "/computations", nil)
	if err != nil {
		return report, err
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return report, fmt.Errorf("decode run report: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return report, fmt.Errorf("%w: trigger returned %d: %s", ErrUnexpectedCode, resp.StatusCode, report.Error)
	}
	return report, nil
}

// Page fetches one page of a published ranking.
func (c *Client) Page(ctx context.Context, kind model.RankingKind, offset, limit, minSamples int) (types.Page, error) {
	var page types.Page
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("min_samples", strconv.Itoa(minSamples))

	resp, err := c.do(ctx, http.MethodGet, "/rankings/"+url.PathEscape(string(kind))+"?"+q.Encode(), nil)
	if err != nil {
		return page, err
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return page, err
	}
	if resp.StatusCode != http.StatusOK {
		return page, fmt.Errorf("%w: rankings returned %d: %s", ErrUnexpectedCode, resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return page, fmt.Errorf("decode page: %w", err)
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// readResponseBody reads and closes the response body.
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
