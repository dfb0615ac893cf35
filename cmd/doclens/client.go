package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/doc-lens/internal/index"
	"github.com/yourusername/doc-lens/internal/jobs"
)

const csrfHeader = "X-CSRF-Token"

// apiError は API が返した {code, message} 形式のエラーです。
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// jobStatus は GET /api/jobs/:id の応答です。
type jobStatus struct {
	jobs.Job
	DurationSeconds float64 `json:"durationSeconds"`
	StepDescription string  `json:"stepDescription"`
}

type jobList struct {
	Jobs       []jobs.Job `json:"jobs"`
	TotalJobs  int        `json:"totalJobs"`
	ActiveJobs int        `json:"activeJobs"`
}

type submitResult struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
}

type cleanupResult struct {
	RemovedCount  int `json:"removedCount"`
	RemainingJobs int `json:"remainingJobs"`
}

type searchResult struct {
	IndexID string      `json:"indexId"`
	Query   string      `json:"query"`
	Results []index.Hit `json:"results"`
}

// client は doc-lens API のクライアントです。ログイン後のセッションはクッキーで保持します。
type client struct {
	base string
	http *http.Client
	csrf string
}

func newClient(base string, timeout time.Duration) (*client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", base)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &client{
		base: u.String(),
		http: &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

func (c *client) login(ctx context.Context, username, password string) error {
	var out struct {
		CSRFToken string `json:"csrfToken"`
	}
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return err
	}
	c.csrf = resp.Header.Get(csrfHeader)
	if c.csrf == "" {
		c.csrf = out.CSRFToken
	}
	return nil
}

func (c *client) submit(ctx context.Context, path string) (*submitResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/documents", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out submitResult
	if _, err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) job(ctx context.Context, jobID string) (*jobStatus, error) {
	var out jobStatus
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) jobs(ctx context.Context) (*jobList, error) {
	var out jobList
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/jobs", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) deleteJob(ctx context.Context, jobID string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), nil, nil)
	return err
}

func (c *client) cleanup(ctx context.Context, maxAge time.Duration) (*cleanupResult, error) {
	path := "/api/jobs/cleanup"
	if maxAge >= 0 {
		path += "?maxAgeSeconds=" + strconv.Itoa(int(maxAge/time.Second))
	}
	var out cleanupResult
	if _, err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) search(ctx context.Context, indexID, query string, k int) (*searchResult, error) {
	var out searchResult
	_, err := c.doJSON(ctx, http.MethodPost, "/api/index/"+url.PathEscape(indexID)+"/search", map[string]any{
		"query": query,
		"k":     k,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// waitForJob は終端状態になるまで interval ごとにジョブを取得し、取得のたびに onPoll を呼びます。
func (c *client) waitForJob(ctx context.Context, jobID string, interval time.Duration, onPoll func(*jobStatus)) (*jobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.job(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onPoll != nil {
			onPoll(st)
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.csrf != "" {
		req.Header.Set(csrfHeader, c.csrf)
	}
	return req, nil
}

func (c *client) doJSON(ctx context.Context, method, path string, in, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *client) send(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return resp, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}
