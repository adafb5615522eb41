package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"
)

// ErrJobTimeout is returned when packaging does not finish in time.
var ErrJobTimeout = errors.New("timed out waiting for packaging")

// APIError is a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Session is the server's view of an upload session.
type Session struct {
	Token     string     `json:"token"`
	Status    string     `json:"status"`
	UploadURL string     `json:"upload_url"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// RemoteFile is a file the server accepted.
type RemoteFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// UploadResult is the server's decision on one file.
type UploadResult struct {
	Accepted bool        `json:"accepted"`
	File     *RemoteFile `json:"file"`
	Kind     string      `json:"kind"`
	Message  string      `json:"message"`
}

// Submission is the descriptive metadata sent with a submit request.
type Submission struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Job is the status of a packaging job.
type Job struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	PackageID string `json:"package_id"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.State == "succeeded" || j.State == "failed"
}

// Client talks to an accession server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// CreateSession opens a new upload session.
func (c *Client) CreateSession(ctx context.Context, owner string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"owner": owner})
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", bytes.NewReader(body), http.StatusCreated, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Upload streams one file to the session. A rejected file is not an
// error; inspect UploadResult.Accepted.
func (c *Client) Upload(ctx context.Context, token string, item PlanItem) (*UploadResult, error) {
	file, err := os.Open(item.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", item.Path, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", item.Name)
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/sessions/%s/files", token), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload of %s failed: %w", item.Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		var result UploadResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode upload response: %w", err)
		}
		if !result.Accepted && result.Kind == "" {
			// a 413 from the body limit carries no rejection kind
			result.Kind = "file_too_large"
			result.Message = "the file is larger than the server accepts"
		}
		return &result, nil
	default:
		return nil, decodeError(resp)
	}
}

// Submit asks the server to package the session and returns the job.
func (c *Client) Submit(ctx context.Context, token string, sub Submission) (*Job, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	var accepted struct {
		JobID string `json:"job_id"`
		State string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/submit", token), bytes.NewReader(body), http.StatusAccepted, &accepted); err != nil {
		return nil, err
	}
	return &Job{ID: accepted.JobID, State: accepted.State}, nil
}

// Job fetches the current status of a packaging job.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJob polls until the job finishes or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Finished() {
			return job, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return job, ErrJobTimeout
			}
			return job, ctx.Err()
		}
	}
}

func (c *Client) url(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return c.baseURL + fmt.Sprintf(format, escaped...)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
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

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
