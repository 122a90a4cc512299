package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// RESTAdapter targets warehouses exposing a JSON job-submission API:
// POST /jobs returns a job id, GET /jobs/{id} reports status, and
// POST /jobs/{id}/cancel requests cancellation.
type RESTAdapter struct {
	platform string
	endpoint string
	token    string
	client   *http.Client
}

// NewRESTAdapter creates a REST job API adapter.
func NewRESTAdapter(platform, endpoint, token string) *RESTAdapter {
	return &RESTAdapter{
		platform: platform,
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// jobRequest is the wire encoding of a batch submission.
type jobRequest struct {
	Table      string         `json:"table"`
	Partitions []jobPartition `json:"partitions"`
	Target     jobTarget      `json:"target"`
}

type jobPartition struct {
	Date     string `json:"date"`
	Location string `json:"location"`
}

type jobTarget struct {
	ConnectionRef string `json:"connection_ref"`
	Schema        string `json:"schema"`
	Dialect       string `json:"dialect"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	State string `json:"state"`
	Cause string `json:"cause,omitempty"`
}

type cancelResponse struct {
	Accepted bool `json:"accepted"`
}

// Submit POSTs the batch to the job API and returns the remote job id.
func (a *RESTAdapter) Submit(ctx context.Context, batch []partition.Partition, target TransformTarget) (JobHandle, error) {
	if len(batch) == 0 {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: fmt.Errorf("empty batch")}
	}

	req := jobRequest{
		Table: batch[0].Table,
		Target: jobTarget{
			ConnectionRef: target.ConnectionRef,
			Schema:        target.Schema,
			Dialect:       target.Dialect,
		},
	}
	for _, p := range batch {
		req.Partitions = append(req.Partitions, jobPartition{
			Date:     p.Date.Key(),
			Location: p.Location,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: fmt.Errorf("marshal job request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: err}
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", &SubmissionError{Platform: a.platform, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &SubmissionError{
			Platform:  a.platform,
			Permanent: permanentStatus(resp.StatusCode),
			Err:       fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var jr jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return "", &SubmissionError{Platform: a.platform, Err: fmt.Errorf("decode job response: %w", err)}
	}
	if jr.JobID == "" {
		return "", &SubmissionError{Platform: a.platform, Err: fmt.Errorf("job response missing job_id")}
	}
	return JobHandle(jr.JobID), nil
}

// Poll GETs the job status.
func (a *RESTAdapter) Poll(ctx context.Context, handle JobHandle) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/jobs/%s", a.endpoint, handle), nil)
	if err != nil {
		return JobStatus{}, err
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("poll job %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return JobStatus{}, fmt.Errorf("poll job %s: %w", handle, ErrUnknownHandle)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return JobStatus{}, fmt.Errorf("poll job %s: http %d: %s", handle, resp.StatusCode, string(respBody))
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return JobStatus{}, fmt.Errorf("decode status response: %w", err)
	}

	switch JobState(sr.State) {
	case JobRunning, JobSucceeded, JobFailed, JobCancelled:
		return JobStatus{State: JobState(sr.State), Cause: sr.Cause}, nil
	default:
		return JobStatus{}, fmt.Errorf("poll job %s: unknown state %q", handle, sr.State)
	}
}

// Cancel POSTs a cancellation request. The platform reports whether it was
// accepted; jobs already executing may be uninterruptible.
func (a *RESTAdapter) Cancel(ctx context.Context, handle JobHandle) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/jobs/%s/cancel", a.endpoint, handle), nil)
	if err != nil {
		return false, err
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// Job already past the point of no return.
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("cancel job %s: http %d: %s", handle, resp.StatusCode, string(respBody))
	}

	var cr cancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return false, fmt.Errorf("decode cancel response: %w", err)
	}
	return cr.Accepted, nil
}

// Close is a no-op for the REST adapter.
func (a *RESTAdapter) Close() error { return nil }

func (a *RESTAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

// permanentStatus classifies HTTP rejections that retrying cannot fix.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
