package detections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 32 << 20

// Client reads detection logs, clips and stats from the detection backend.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

// Logs returns detection records in the order the backend sent them.
func (c *Client) Logs(ctx context.Context) ([]LogEntry, error) {
	body, err := c.get(ctx, "logs", "/api/logs")
	if err != nil {
		return nil, err
	}
	out := []LogEntry{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("detections: decode logs: %w", err)
	}
	return out, nil
}

// Clips returns stored clip paths relative to the clip root.
func (c *Client) Clips(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "clips", "/api/clips")
	if err != nil {
		return nil, err
	}
	out := []string{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("detections: decode clips: %w", err)
	}
	return out, nil
}

// Stats returns the aggregate counters in the order the backend wrote them.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	body, err := c.get(ctx, "stats", "/api/stats")
	if err != nil {
		return nil, err
	}
	out, err := ParseStats(body)
	if err != nil {
		return nil, fmt.Errorf("detections: decode %w", err)
	}
	return out, nil
}

// DeleteClip asks the backend to remove a clip. Only transport failures are
// returned as errors; the application status is reported in the result.
func (c *Client) DeleteClip(ctx context.Context, name string) (*DeleteResult, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("detections: backend endpoint not configured")
	}

	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/delete_clip", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detections: delete clip: %w", err)
	}
	defer resp.Body.Close()

	out := &DeleteResult{StatusCode: resp.StatusCode}
	var raw struct {
		OK *bool `json:"ok"`
	}
	blob, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err := json.Unmarshal(blob, &raw); err == nil {
		out.OK = raw.OK
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("detections: backend endpoint not configured")
	}

	u, err := url.Parse(c.endpoint + path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detections: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(blob))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("detections: read %s: %w", op, err)
	}
	return body, nil
}
