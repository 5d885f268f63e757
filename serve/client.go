package serve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/everydev1618/hive"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// StreamEvent is an event received from /api/stream. Data is left raw so
// callers can decode the payload for the topics they care about.
type StreamEvent struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client talks to a running hive server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:3001". A nil httpClient uses one with a 30s timeout
// for regular calls; Stream never times out.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SubmitTask submits spec.
func (c *Client) SubmitTask(ctx context.Context, spec hive.TaskSpec) (hive.Task, error) {
	var task hive.Task
	err := c.do(ctx, "POST", "/api/tasks", SubmitTaskRequestFrom(spec), &task)
	return task, err
}

// CancelTask cancels a task and reports whether it changed.
func (c *Client) CancelTask(ctx context.Context, id string) (bool, error) {
	var resp CancelResponse
	err := c.do(ctx, "POST", "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Canceled, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (hive.Task, error) {
	var task hive.Task
	err := c.do(ctx, "GET", "/api/tasks/"+url.PathEscape(id), nil, &task)
	return task, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status hive.TaskStatus) ([]hive.Task, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var tasks []hive.Task
	err := c.do(ctx, "GET", path, nil, &tasks)
	return tasks, err
}

// Workers lists registered workers.
func (c *Client) Workers(ctx context.Context) ([]hive.WorkerInfo, error) {
	var workers []hive.WorkerInfo
	err := c.do(ctx, "GET", "/api/workers", nil, &workers)
	return workers, err
}

// Stats fetches aggregate server state.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var stats StatsResponse
	err := c.do(ctx, "GET", "/api/stats", nil, &stats)
	return stats, err
}

// Stream calls fn for each event on /api/stream until ctx is done or the
// server closes the connection. topic is an optional prefix filter.
func (c *Client) Stream(ctx context.Context, topic string, fn func(StreamEvent)) error {
	return c.stream(ctx, topic, "", fn)
}

// StreamSince is Stream preceded by the retained events with a sequence
// number above seq.
func (c *Client) StreamSince(ctx context.Context, topic string, seq uint64, fn func(StreamEvent)) error {
	return c.stream(ctx, topic, strconv.FormatUint(seq, 10), fn)
}

func (c *Client) stream(ctx context.Context, topic, lastID string, fn func(StreamEvent)) error {
	path := "/api/stream"
	if topic != "" {
		path += "?topic=" + url.QueryEscape(topic)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	// The shared client's timeout would cut the stream off.
	streamClient := *c.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxBodyBytes)
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				var ev StreamEvent
				if err := json.Unmarshal(data, &ev); err == nil {
					fn(ev)
				}
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	var e ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
}
