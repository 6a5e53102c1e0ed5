package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"genpay/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(&config.GeneratorConfig{
		BaseURL:        srv.URL,
		APIKey:         "secret",
		RequestTimeout: 2 * time.Second,
	})
}

func TestHTTPClient_CreateTask(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req createTaskRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "flux-dev", req.Model)
		assert.JSONEq(t, `{"prompt":"cat"}`, string(req.Input))

		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"t-1"}}`))
	})

	taskID, err := client.CreateTask(context.Background(), "flux-dev", json.RawMessage(`{"prompt":"cat"}`))
	require.NoError(t, err)
	assert.Equal(t, "t-1", taskID)
}

func TestHTTPClient_CreateTaskErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retriable bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: "bad gateway", retriable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", retriable: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "bad key", retriable: false},
		{name: "envelope bad request", status: http.StatusOK, body: `{"code":422,"msg":"prompt required"}`, retriable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.CreateTask(context.Background(), "m", nil)
			require.Error(t, err)

			var upstreamErr *UpstreamError
			require.True(t, errors.As(err, &upstreamErr))
			assert.Equal(t, tt.retriable, upstreamErr.Retriable)
			assert.Equal(t, tt.retriable, IsRetriable(err))
		})
	}
}

func TestHTTPClient_GetStatus(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		state TaskState
		urls  []string
		code  string
	}{
		{name: "waiting", data: `{"taskId":"t","state":"waiting"}`, state: TaskPending},
		{name: "generating", data: `{"taskId":"t","state":"generating"}`, state: TaskProcessing},
		{
			name:  "success",
			data:  `{"taskId":"t","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/a.png\"]}"}`,
			state: TaskSuccess,
			urls:  []string{"https://cdn/a.png"},
		},
		{name: "fail", data: `{"taskId":"t","state":"fail","failCode":"nsfw","failMsg":"blocked"}`, state: TaskFail, code: "nsfw"},
		{name: "unknown", data: `{"taskId":"t","state":"archived"}`, state: TaskPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "t", r.URL.Query().Get("taskId"))
				_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":` + tt.data + `}`))
			})

			status, err := client.GetStatus(context.Background(), "t")
			require.NoError(t, err)
			assert.Equal(t, tt.state, status.State)
			assert.Equal(t, tt.urls, status.ResultURLs)
			assert.Equal(t, tt.code, status.ErrorCode)
		})
	}
}

func TestHTTPClient_LongCyrillicErrorStaysValidUTF8(t *testing.T) {
	// 151 two-byte runes; the 256-byte cut lands inside a rune.
	msg := "о" + strings.Repeat("ш", 150)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]interface{}{"code": 422, "msg": msg})
		_, _ = w.Write(body)
	})

	_, err := client.CreateTask(context.Background(), "m", nil)
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.False(t, upstreamErr.Retriable)
	assert.Equal(t, "422", upstreamErr.Code)
	assert.True(t, utf8.ValidString(upstreamErr.Message))
	assert.True(t, strings.HasPrefix(upstreamErr.Message, "status 422: ош"))
}

func TestHTTPClient_TransportErrorIsRetriable(t *testing.T) {
	client := NewHTTPClient(&config.GeneratorConfig{BaseURL: "http://127.0.0.1:1", RequestTimeout: time.Second})

	_, err := client.GetStatus(context.Background(), "t")
	require.Error(t, err)
	assert.True(t, IsRetriable(err))
}

func TestAsUpstream(t *testing.T) {
	code, msg := AsUpstream(&UpstreamError{Code: "401", Message: "bad key"})
	assert.Equal(t, "401", code)
	assert.Equal(t, "bad key", msg)

	code, msg = AsUpstream(errors.New("boom"))
	assert.Equal(t, "upstream_error", code)
	assert.Equal(t, "boom", msg)
}
