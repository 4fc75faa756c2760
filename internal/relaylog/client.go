// Package relaylog ingests the SMTP relay's log API: fetching raw log
// entries, parsing them into status events, and resolving transport
// queue ids back to canonical message ids.
package relaylog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/delivery-sync/internal/pkg/httpretry"
)

// Entry is one raw log line as returned by the relay's log API.
type Entry struct {
	Time     string `json:"time"` // epoch seconds as string
	Message  string `json:"message"`
	Priority string `json:"priority"`
	Program  string `json:"program"`
}

// Timestamp parses the entry's epoch-seconds time field. A malformed
// time yields the zero time, which every checkpoint filter discards.
func (e Entry) Timestamp() time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(e.Time), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// Client fetches log entries from the relay's HTTP log API. The API
// has no "since" parameter: it returns the newest <limit> entries and
// filtering against the checkpoint happens client-side.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a log API client. A nil doer gets a retrying
// client with default backoff.
func NewClient(baseURL, apiKey string, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = httpretry.NewRetryClient(nil, 3)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: doer,
	}
}

// FetchLogs requests the newest limit entries of the given log kind.
func (c *Client) FetchLogs(ctx context.Context, kind string, limit int) ([]Entry, error) {
	url := fmt.Sprintf("%s/logs/%s/%d", c.baseURL, kind, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay log API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay log response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay log API returned %d: %s", resp.StatusCode, string(body))
	}

	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("malformed relay log response: %w", err)
	}
	return entries, nil
}
