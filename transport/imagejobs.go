package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"otcore/tools"
)

// HTTPImageJobs talks to an image job service over JSON:
//
//	POST {endpoint}/jobs      {"prompt","size","model"} -> {"id"}
//	GET  {endpoint}/jobs/{id}                            -> {"status","result","error"}
type HTTPImageJobs struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ tools.ImageJobs = (*HTTPImageJobs)(nil)

// NewHTTPImageJobs returns a client for endpoint. A nil client means
// http.DefaultClient.
func NewHTTPImageJobs(endpoint, apiKey string, client *http.Client) *HTTPImageJobs {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPImageJobs{endpoint: strings.TrimRight(endpoint, "/"), apiKey: apiKey, client: client}
}

func (j *HTTPImageJobs) Submit(ctx context.Context, req tools.ImageRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode image request: %w", err)
	}
	data, err := j.do(ctx, http.MethodPost, j.endpoint+"/jobs", body)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(data, "id").String()
	if id == "" {
		return "", fmt.Errorf("image service returned no job id: %s", truncateBody(data))
	}
	return id, nil
}

func (j *HTTPImageJobs) Status(ctx context.Context, jobID string) (tools.ImageJobStatus, error) {
	data, err := j.do(ctx, http.MethodGet, j.endpoint+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return tools.ImageJobStatus{}, err
	}

	res := gjson.ParseBytes(data)
	status := tools.ImageJobStatus{
		ID:    jobID,
		State: jobState(res.Get("status").String()),
		Error: res.Get("error").String(),
	}
	for _, path := range []string{"result.url", "result", "url"} {
		if v := res.Get(path); v.Type == gjson.String && v.String() != "" {
			status.ResultURL = v.String()
			break
		}
	}
	return status, nil
}

// jobState maps the service's status words onto JobState. Unknown words
// count as still running.
func jobState(s string) tools.JobState {
	switch strings.ToLower(s) {
	case "succeeded", "success", "completed", "done":
		return tools.JobSucceeded
	case "failed", "error", "cancelled", "canceled":
		return tools.JobFailed
	case "pending", "queued":
		return tools.JobPending
	default:
		return tools.JobRunning
	}
}

func (j *HTTPImageJobs) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read image service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image service returned status %d: %s", resp.StatusCode, truncateBody(data))
	}
	return data, nil
}

func truncateBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
