package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/undercity-dev/undercity/internal/board"
)

// ErrNotRunning is returned by Connect when no live daemon is found.
var ErrNotRunning = errors.New("no daemon running")

// Client talks to a live daemon from the CLI.
type Client struct {
	baseURL string
	http    *http.Client
}

// Connect locates the daemon via the state-directory lockfile.
func Connect(stateDir string) (*Client, error) {
	info, alive := ReadInfo(stateDir)
	if !alive {
		return nil, ErrNotRunning
	}
	return NewClient(info.Port), nil
}

// NewClient builds a client for a daemon on localhost.
func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches GET /status.
func (c *Client) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.get("/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Tasks fetches the full task list.
func (c *Client) Tasks() ([]*board.Task, error) {
	var tasks []*board.Task
	if err := c.get("/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// AddTask submits one task to the board.
func (c *Client) AddTask(objective string, priority int) (*board.Task, error) {
	body, err := json.Marshal(AddTaskRequest{Objective: objective, Priority: priority})
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.baseURL+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("daemon rejected task: %s", readError(resp.Body))
	}
	var task board.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Metrics fetches GET /metrics.
func (c *Client) Metrics() (*MetricsResponse, error) {
	var doc MetricsResponse
	if err := c.get("/metrics", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Pause suspends dispatch.
func (c *Client) Pause() error { return c.post("/pause") }

// Resume re-enables dispatch.
func (c *Client) Resume() error { return c.post("/resume") }

// Stop asks the daemon to shut down gracefully.
func (c *Client) Stop() error { return c.post("/stop") }

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, readError(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string) error {
	resp, err := c.http.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, readError(resp.Body))
	}
	return nil
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	var doc struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &doc) == nil && doc.Error != "" {
		return doc.Error
	}
	return string(data)
}
