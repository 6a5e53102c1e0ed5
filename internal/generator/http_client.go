package generator

import (
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

	"genpay/internal/config"
	"genpay/pkg/textutil"
)

// HTTPClient talks to a createTask / recordInfo style JSON API:
//
//	POST {base}/api/v1/jobs/createTask      {"model": ..., "input": {...}}
//	GET  {base}/api/v1/jobs/recordInfo?taskId=...
//
// Both respond with {"code": 200, "msg": "...", "data": {...}}.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(cfg *config.GeneratorConfig) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

type recordInfoData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

type resultJSON struct {
	ResultURLs []string `json:"resultUrls"`
}

func (c *HTTPClient) CreateTask(ctx context.Context, modelID string, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(createTaskRequest{Model: modelID, Input: payload})
	if err != nil {
		return "", &UpstreamError{Code: "bad_request", Message: err.Error()}
	}

	var data createTaskData
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/createTask", bytes.NewReader(body), &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", &UpstreamError{Code: "empty_task_id", Message: "provider returned no task id", Retriable: true}
	}
	return data.TaskID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	path := "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)

	var data recordInfoData
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	status := &TaskStatus{
		State:        mapState(data.State),
		ErrorCode:    data.FailCode,
		ErrorMessage: data.FailMsg,
	}
	if status.State == TaskSuccess && data.ResultJSON != "" {
		var result resultJSON
		if err := json.Unmarshal([]byte(data.ResultJSON), &result); err != nil {
			return nil, &UpstreamError{Code: "bad_result", Message: err.Error(), Retriable: true}
		}
		status.ResultURLs = result.ResultURLs
	}
	return status, nil
}

// mapState folds the provider's vocabulary into ours. Unknown states are
// reported as pending so the poll loop keeps going until the budget runs out.
func mapState(s string) TaskState {
	switch strings.ToLower(s) {
	case "success":
		return TaskSuccess
	case "fail", "failed":
		return TaskFail
	case "generating", "processing":
		return TaskProcessing
	default:
		return TaskPending
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &UpstreamError{Code: "bad_request", Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Code: "transport", Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &UpstreamError{Code: "transport", Message: err.Error(), Retriable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &UpstreamError{Code: "bad_response", Message: err.Error(), Retriable: true}
	}
	// The provider also reports failures in the envelope with HTTP 200.
	if env.Code != 0 && env.Code != http.StatusOK {
		return statusError(env.Code, env.Msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &UpstreamError{Code: "bad_response", Message: err.Error(), Retriable: true}
	}
	return nil
}

func statusError(code int, msg string) *UpstreamError {
	return &UpstreamError{
		Code:      strconv.Itoa(code),
		Message:   fmt.Sprintf("status %d: %s", code, textutil.Truncate(msg, 256)),
		Retriable: code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout,
	}
}
