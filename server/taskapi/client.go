// Package taskapi is the HTTP client for the exam-manager collaborator API:
// acquisition task lookup/update and result records.
package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// ItemStatus is the lifecycle status of an acquisition task.
type ItemStatus string

const (
	StatusNew        ItemStatus = "NEW"
	StatusInProgress ItemStatus = "INPROGRESS"
	StatusFinished   ItemStatus = "FINISHED"
	StatusError      ItemStatus = "ERROR"
)

// ResultType classifies a stored acquisition result.
type ResultType string

const (
	ResultDICOM       ResultType = "DICOM"
	ResultMRD         ResultType = "MRD"
	ResultNPY         ResultType = "NPY"
	ResultCalibration ResultType = "CALIBRATION"
	ResultNotSet      ResultType = "NOT_SET"
)

// PickResultType maps a result filename to its type by extension.
func PickResultType(filename string) ResultType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".dcm", ".dicom":
		return ResultDICOM
	case ".mrd":
		return ResultMRD
	case ".npy":
		return ResultNPY
	case ".json":
		return ResultCalibration
	default:
		return ResultNotSet
	}
}

// Task is one acquisition task as managed by the exam manager.
type Task struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	Status       ItemStatus `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Result is one stored result record.
type Result struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id,omitempty"`
	Type      ResultType `json:"type,omitempty"`
	Directory string     `json:"directory,omitempty"`
	Files     []string   `json:"files,omitempty"`
}

// SetResultRequest finalizes a blank result with its stored location.
type SetResultRequest struct {
	Type      ResultType `json:"type"`
	Directory string     `json:"directory"`
	Files     []string   `json:"files"`
}

// TaskService is the surface the server needs from the exam manager. The
// transfer receiver and status handlers depend on this interface; tests
// substitute a fake.
type TaskService interface {
	GetTask(ctx context.Context, taskID, accessToken string) (*Task, error)
	SetTask(ctx context.Context, task *Task, accessToken string) (*Task, error)
	CreateBlankResult(ctx context.Context, taskID, accessToken string) (*Result, error)
	SetResult(ctx context.Context, resultID string, req SetResultRequest, accessToken string) (*Result, error)
}

// Client is the HTTP implementation of TaskService.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a task API client for the exam manager at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetTask fetches one acquisition task.
func (c *Client) GetTask(ctx context.Context, taskID, accessToken string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/task/"+taskID, nil, accessToken, &task); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &task, nil
}

// SetTask updates one acquisition task and returns the stored version.
func (c *Client) SetTask(ctx context.Context, task *Task, accessToken string) (*Task, error) {
	var updated Task
	if err := c.do(ctx, http.MethodPut, "/task/"+task.ID, task, accessToken, &updated); err != nil {
		return nil, fmt.Errorf("set task %s: %w", task.ID, err)
	}
	return &updated, nil
}

// CreateBlankResult creates an empty result record for the task.
func (c *Client) CreateBlankResult(ctx context.Context, taskID, accessToken string) (*Result, error) {
	var result Result
	if err := c.do(ctx, http.MethodPost, "/result?task_id="+taskID, nil, accessToken, &result); err != nil {
		return nil, fmt.Errorf("create blank result for task %s: %w", taskID, err)
	}
	return &result, nil
}

// SetResult finalizes a blank result with its stored files.
func (c *Client) SetResult(ctx context.Context, resultID string, req SetResultRequest, accessToken string) (*Result, error) {
	var result Result
	if err := c.do(ctx, http.MethodPut, "/result/"+resultID, req, accessToken, &result); err != nil {
		return nil, fmt.Errorf("set result %s: %w", resultID, err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, accessToken string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
