package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agent-dispatch/internal/models"
)

// ErrSkipped is returned without touching the network when the target is
// tripped and the job type is not in the bypass allow-list.
var ErrSkipped = errors.New("agent request skipped: target is tripped")

// RefusalError is a semantic 4xx refusal: the agent received the request and
// explicitly rejected it. Not a transport failure, so the failure tracker is
// left alone and the job is terminally failed.
type RefusalError struct {
	StatusCode int
	Output     string
	Traceback  string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("agent refused request (%d): %s", e.StatusCode, e.Output)
}

// IsRefusal reports whether err is a semantic refusal rather than a
// transport failure.
func IsRefusal(err error) bool {
	var re *RefusalError
	return errors.As(err, &re)
}

// Monitor is the failure-tracker surface the client consults before and
// after each request.
type Monitor interface {
	// ShouldSkip reports whether outbound work to the target is suspended.
	ShouldSkip(ctx context.Context, target models.Target, jobType string) bool
	// RecordFailure accounts one transport-level failure against the target.
	RecordFailure(ctx context.Context, target models.Target, err error)
}

// Client is a typed HTTPS client bound to one remote agent.
type Client struct {
	target  models.Target
	token   string
	base    string
	http    *http.Client
	monitor Monitor
}

// Option customizes a Client; used by tests to point at httptest servers.
type Option func(*Client)

// WithBaseURL overrides the computed https://server:port/agent base.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMonitor attaches the failure tracker.
func WithMonitor(m Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

// New builds a client for the target, authenticating with the per-target
// bearer token. Port 443 unless altPort selects 8443.
func New(target models.Target, token string, altPort bool, connectTimeout, readTimeout time.Duration, opts ...Option) *Client {
	port := 443
	if altPort {
		port = 8443
	}
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	c := &Client{
		target: target,
		token:  token,
		base:   fmt.Sprintf("https://%s:%d/agent", target.Server, port),
		http: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: readTimeout,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Target returns the agent this client is bound to.
func (c *Client) Target() models.Target { return c.target }

// Request issues an authenticated request on behalf of a job. jobName, when
// non-empty, is sent as X-Agent-Job-Id so the agent can later report which
// local jobs it accepted. The failure tracker is consulted first and fed on
// transport errors.
func (c *Client) Request(ctx context.Context, method, path string, data map[string]any, files map[string]string, jobName string) (map[string]any, error) {
	if c.monitor != nil && c.monitor.ShouldSkip(ctx, c.target, "") {
		return nil, ErrSkipped
	}
	body, err := c.do(ctx, method, path, data, files, jobName)
	if err != nil && !IsRefusal(err) && c.monitor != nil {
		c.monitor.RecordFailure(ctx, c.target, err)
	}
	return body, err
}

// RequestForJob is Request with the job's declared type used for the
// tripped-target bypass check instead of deriving it from the name.
func (c *Client) RequestForJob(ctx context.Context, job models.Job) (map[string]any, error) {
	if c.monitor != nil && c.monitor.ShouldSkip(ctx, c.target, job.JobType) {
		return nil, ErrSkipped
	}
	body, err := c.do(ctx, job.RequestMethod, job.RequestPath, job.RequestData, job.RequestFiles, job.Name)
	if err != nil && !IsRefusal(err) && c.monitor != nil {
		c.monitor.RecordFailure(ctx, c.target, err)
	}
	return body, err
}

// RawRequest bypasses the failure tracker entirely. Used by the healer so a
// probe against a tripped target is still possible.
func (c *Client) RawRequest(ctx context.Context, method, path string, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.do(ctx, method, path, nil, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, data map[string]any, files map[string]string, jobName string) (map[string]any, error) {
	url := c.base + "/" + strings.TrimLeft(path, "/")

	var body io.Reader
	contentType := "application/json"
	if len(files) > 0 {
		buf, ct, err := multipartBody(data, files)
		if err != nil {
			return nil, err
		}
		body = buf
		contentType = ct
	} else if data != nil || method != http.MethodGet {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode request data: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+c.token)
	req.Header.Set("Content-Type", contentType)
	if jobName != "" {
		req.Header.Set("X-Agent-Job-Id", jobName)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	var decoded map[string]any
	decodable := json.Unmarshal(raw, &decoded) == nil

	switch {
	case resp.StatusCode < 300:
		if !decodable {
			return nil, fmt.Errorf("agent %s %s: undecodable %d response", method, path, resp.StatusCode)
		}
		return decoded, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && decodable:
		out, _ := decoded["output"].(string)
		tb, _ := decoded["traceback"].(string)
		return nil, &RefusalError{StatusCode: resp.StatusCode, Output: out, Traceback: tb}
	default:
		return nil, fmt.Errorf("agent %s %s: status %d", method, path, resp.StatusCode)
	}
}

// multipartBody builds a multipart payload with one part per file handle and
// a json field carrying the request data.
func multipartBody(data map[string]any, files map[string]string) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for field, content := range files {
		part, err := w.CreateFormFile(field, field)
		if err != nil {
			return nil, "", fmt.Errorf("multipart file %s: %w", field, err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			return nil, "", fmt.Errorf("multipart file %s: %w", field, err)
		}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("encode request data: %w", err)
	}
	if err := w.WriteField("json", string(encoded)); err != nil {
		return nil, "", fmt.Errorf("multipart json field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// Ping probes the agent; nil means it answered pong.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	body, err := c.RawRequest(ctx, http.MethodGet, "ping", timeout)
	if err != nil {
		return err
	}
	if msg, _ := body["message"].(string); msg != "pong" {
		return fmt.Errorf("unexpected ping response: %v", body)
	}
	return nil
}

// Version returns the agent's deployed commit hash.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.RawRequest(ctx, http.MethodGet, "version", 0)
	if err != nil {
		return "", err
	}
	commit, _ := body["commit"].(string)
	return commit, nil
}

// CancelJob requests best-effort cancellation of a running remote job. Local
// state is untouched; the next poll observes the resulting Failure.
func (c *Client) CancelJob(ctx context.Context, remoteID int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%d/cancel", remoteID), nil, nil, "")
	return err
}

// GetJobs bulk-polls remote job statuses. A single id still yields a
// one-element slice: the agent returns a bare object in that case.
func (c *Client) GetJobs(ctx context.Context, ids []int64) ([]PolledJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	raw, err := c.rawBody(ctx, http.MethodGet, "jobs/"+strings.Join(parts, ","))
	if err != nil {
		return nil, err
	}
	var jobs []PolledJob
	if err := json.Unmarshal(raw, &jobs); err == nil {
		return jobs, nil
	}
	var single PolledJob
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode polled jobs: %w", err)
	}
	return []PolledJob{single}, nil
}

// GetJobsID asks the agent which of the local job names it already accepted,
// healing the split brain caused by a dispatch response lost in transit.
func (c *Client) GetJobsID(ctx context.Context, names []string) ([]AcceptedJob, error) {
	if len(names) == 0 {
		return nil, nil
	}
	raw, err := c.rawBody(ctx, http.MethodGet, "agent-jobs/"+strings.Join(names, ","))
	if err != nil {
		return nil, err
	}
	var accepted []AcceptedJob
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return nil, fmt.Errorf("decode accepted jobs: %w", err)
	}
	return accepted, nil
}

// rawBody performs a request and returns undecoded bytes for endpoints whose
// top level is an array.
func (c *Client) rawBody(ctx context.Context, method, path string) ([]byte, error) {
	url := c.base + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		if c.monitor != nil {
			c.monitor.RecordFailure(ctx, c.target, err)
		}
		return nil, fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s %s: status %d", method, path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
