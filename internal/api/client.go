package api

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
	"path/filepath"
	"strings"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/google/uuid"
)

// DefaultBaseURL points at a locally running backend.
const DefaultBaseURL = "http://localhost:8000/api"

// Client talks to the dashboard backend. It never retries: every call is
// attempted once and its failure is reported to the caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient returns a client for baseURL. A non-positive timeout disables
// the client-side deadline.
func NewClient(baseURL string, httpTimeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	hc := &http.Client{}
	if httpTimeout > 0 {
		hc.Timeout = httpTimeout
	}
	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the configured endpoint root.
func (c *Client) BaseURL() string { return c.baseURL }

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges email and password for a credential.
func (c *Client) Login(ctx context.Context, email, password string) (model.Credential, error) {
	return c.authenticate(ctx, "/auth/login", "Login failed", email, password)
}

// Register creates an account and returns its credential.
func (c *Client) Register(ctx context.Context, email, password string) (model.Credential, error) {
	return c.authenticate(ctx, "/auth/register", "Registration failed", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, fallback, email, password string) (model.Credential, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return model.Credential{}, &ValidationError{Field: "email", Message: "email is required"}
	}
	if password == "" {
		return model.Credential{}, &ValidationError{Field: "password", Message: "password is required"}
	}
	body, err := json.Marshal(credentialsRequest{Email: email, Password: password})
	if err != nil {
		return model.Credential{}, fmt.Errorf("marshal request: %w", err)
	}
	var out model.Credential
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        path,
		body:        body,
		contentType: "application/json",
		out:         &out,
		classify: func(e *APIError) error {
			if e.StatusCode >= 400 && e.StatusCode < 500 {
				if e.Detail == "" {
					e.Detail = fallback
				}
				return &AuthError{APIError: e}
			}
			return nil
		},
	})
	if err != nil {
		return model.Credential{}, err
	}
	if out.Token == "" {
		return model.Credential{}, &TransportError{Op: "decode " + path, Err: errors.New("response has no token")}
	}
	if out.Email == "" {
		out.Email = email
	}
	return out, nil
}

// Me returns the account email for token.
func (c *Client) Me(ctx context.Context, token string) (string, error) {
	var out struct {
		Email string `json:"email"`
		ID    string `json:"id"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/auth/me",
		token:  token,
		out:    &out,
		classify: func(e *APIError) error {
			if e.StatusCode == http.StatusNotFound {
				return &AuthError{APIError: e}
			}
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	return out.Email, nil
}

// Upload sends a CSV file to the parsing service and returns its descriptor.
// The descriptor's filename is the local file's base name.
func (c *Client) Upload(ctx context.Context, token, path string) (*model.Dataset, error) {
	name := filepath.Base(path)
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		return nil, &ValidationError{Field: "file", Message: "Please upload a .csv file."}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &ValidationError{Field: "file", Message: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}

	var out model.Dataset
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/upload",
		token:       token,
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
		out:         &out,
		classify: func(e *APIError) error {
			if e.Detail == "" {
				e.Detail = "Upload failed"
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	out.Filename = name
	return finishDataset(&out, "/upload")
}

// Dataset fetches the descriptor of an already uploaded dataset.
func (c *Client) Dataset(ctx context.Context, token, datasetID string) (*model.Dataset, error) {
	var out model.Dataset
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/dataset/" + url.PathEscape(datasetID),
		token:  token,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = datasetID
	}
	return finishDataset(&out, "/dataset")
}

func finishDataset(d *model.Dataset, op string) (*model.Dataset, error) {
	d.BoundPreview()
	if err := d.Validate(); err != nil {
		return nil, &TransportError{Op: "decode " + op, Err: err}
	}
	return d, nil
}

// Stats fetches the aggregate statistics and chart series for a dataset.
func (c *Client) Stats(ctx context.Context, token, datasetID string) (*model.Stats, error) {
	var out model.Stats
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/stats/" + url.PathEscape(datasetID),
		token:  token,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Query asks the answering endpoint a question about a dataset.
func (c *Client) Query(ctx context.Context, token string, req model.QueryRequest) (string, error) {
	if req.History == nil {
		req.History = []model.Message{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out struct {
		Answer *string `json:"answer"`
	}
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/query",
		token:       token,
		body:        body,
		contentType: "application/json",
		out:         &out,
	})
	if err != nil {
		return "", err
	}
	if out.Answer == nil {
		return "", &TransportError{Op: "decode /query", Err: errors.New("response has no answer")}
	}
	return *out.Answer, nil
}

type request struct {
	method      string
	path        string
	token       string
	body        []byte
	contentType string
	out         any
	// classify may turn an APIError into a more specific error; returning
	// nil falls through to the default mapping.
	classify func(*APIError) error
}

func (c *Client) do(ctx context.Context, r request) error {
	endpoint := c.baseURL + r.path
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if r.contentType != "" {
		httpReq.Header.Set("Content-Type", r.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Op: r.method + " " + r.path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		if apiErr.RequestID == "" {
			apiErr.RequestID = httpReq.Header.Get("X-Request-Id")
		}
		if r.classify != nil {
			if err := r.classify(apiErr); err != nil {
				return err
			}
		}
		return classifyAPIError(apiErr)
	}
	if r.out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return &TransportError{Op: "decode " + r.path, Err: err}
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	apiErr := &APIError{StatusCode: resp.StatusCode, Raw: raw, RequestID: extractRequestID(resp)}
	switch d := raw["detail"].(type) {
	case string:
		apiErr.Detail = d
	case []any:
		// validation errors arrive as a list of {msg: ...}
		msgs := make([]string, 0, len(d))
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if msg, ok := m["msg"].(string); ok {
					msgs = append(msgs, msg)
				}
			}
		}
		apiErr.Detail = strings.Join(msgs, "; ")
	}
	return apiErr
}

// classifyAPIError maps a generic APIError to the typed taxonomy.
func classifyAPIError(apiErr *APIError) error {
	if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
		if apiErr.Detail == "" {
			apiErr.Detail = "Not authenticated"
		}
		return &AuthError{APIError: apiErr}
	}
	return &RemoteError{APIError: apiErr}
}

// extractRequestID pulls a best-effort request ID from common headers.
func extractRequestID(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	for _, k := range []string{"X-Request-Id", "X-Request-ID", "X-Correlation-Id"} {
		if v := resp.Header.Get(k); v != "" {
			return v
		}
	}
	return ""
}
