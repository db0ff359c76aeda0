// Package taskqueue is the port through which the orchestrator schedules
// deferred work. Tasks are pushed back at the orchestration callback URL by an
// external queue service; the orchestrator only creates them.
package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Task describes one scheduled push-back.
type Task struct {
	Location       string          `json:"location"`
	ServiceAccount string          `json:"service_account"`
	Queue          string          `json:"queue"`
	TargetURL      string          `json:"target_url"`
	Payload        json.RawMessage `json:"payload"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
}

// Handle identifies a created task in the external queue service.
type Handle struct {
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	CreatedAt time.Time `json:"created_at"`
}

// Queue is the create-only task port.
type Queue interface {
	CreateTask(ctx context.Context, task Task) (*Handle, error)
}

// HTTPQueue creates tasks against a queue service's REST endpoint.
type HTTPQueue struct {
	baseURL string
	client  *http.Client
}

func NewHTTPQueue(baseURL string) *HTTPQueue {
	return &HTTPQueue{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (q *HTTPQueue) CreateTask(ctx context.Context, task Task) (*Handle, error) {
	if task.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if task.TargetURL == "" {
		return nil, fmt.Errorf("target url is required")
	}

	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	url := fmt.Sprintf("%s/locations/%s/queues/%s/tasks", q.baseURL, task.Location, task.Queue)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("create task: queue service returned %d: %s", resp.StatusCode, msg)
	}

	var handle Handle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return nil, fmt.Errorf("decode task handle: %w", err)
	}
	if handle.Queue == "" {
		handle.Queue = task.Queue
	}
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = time.Now().UTC()
	}
	return &handle, nil
}

// MemoryQueue records created tasks in memory. Test double.
type MemoryQueue struct {
	mu    sync.Mutex
	Tasks []Task
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) CreateTask(_ context.Context, task Task) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Tasks = append(q.Tasks, task)
	return &Handle{
		Name:      fmt.Sprintf("task-%d", len(q.Tasks)),
		Queue:     task.Queue,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Created returns a snapshot of the created tasks.
func (q *MemoryQueue) Created() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.Tasks))
	copy(out, q.Tasks)
	return out
}
