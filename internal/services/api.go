// API service for the manual generation backend
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/google/uuid"
)

const (
	defaultBaseURL = "http://localhost:8008/api"
	sessionHeader  = "X-Client-Session"
	maxErrorBody   = 512
)

// APIService is the HTTP client for the generation backend.
type APIService struct {
	baseURL    string
	socketURL  string
	session    string
	httpClient *http.Client
}

// NewAPIService creates a new API service instance.
//
// An empty socketURL is derived from baseURL: the scheme becomes ws/wss and a
// trailing /api is replaced with /ws/task.
func NewAPIService(baseURL, socketURL string, client *http.Client) *APIService {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if socketURL == "" {
		socketURL = deriveSocketURL(baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &APIService{
		baseURL:    baseURL,
		socketURL:  strings.TrimRight(socketURL, "/"),
		session:    uuid.NewString(),
		httpClient: client,
	}
}

func deriveSocketURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "ws://localhost:8008/ws/task"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api") + "/ws/task"
	return u.String()
}

// BaseURL returns the REST base address.
func (a *APIService) BaseURL() string { return a.baseURL }

// Session returns the id sent in the X-Client-Session header of every request.
func (a *APIService) Session() string { return a.session }

// TaskSocketURL returns the websocket address that pushes snapshots of taskID.
func (a *APIService) TaskSocketURL(taskID string) string {
	return a.socketURL + "/" + url.PathEscape(taskID)
}

// APIResponse represents a raw API response with status and body.
type APIResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	IsJSON     bool
	JSONData   any
}

// Get performs a GET request to the specified path and returns the raw response.
func (a *APIService) Get(ctx context.Context, path string) (*APIResponse, error) {
	return a.raw(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with the given JSON data and returns the raw response.
func (a *APIService) Post(ctx context.Context, path string, data []byte) (*APIResponse, error) {
	return a.raw(ctx, http.MethodPost, path, data)
}

func (a *APIService) raw(ctx context.Context, method, path string, data []byte) (*APIResponse, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}

	req, err := a.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiResp := &APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       raw,
	}

	var jsonData any
	if err := shared.UnmarshalJSON(raw, &jsonData); err == nil {
		apiResp.IsJSON = true
		apiResp.JSONData = jsonData
	}

	return apiResp, nil
}

func (a *APIService) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(sessionHeader, a.session)
	return req, nil
}

func (a *APIService) do(req *http.Request) (*http.Response, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrAPIRequest, err)
	}
	return resp, nil
}

// call sends one request and decodes the enveloped payload into out (which may be nil).
//
// notFound is the sentinel wrapped by a 404 answer.
func (a *APIService) call(ctx context.Context, method, path string, body io.Reader, contentType string, notFound error, out any) error {
	req, err := a.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if sized, ok := body.(interface{ Len() int64 }); ok {
		req.ContentLength = sized.Len()
	}

	resp, err := a.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", shared.ErrAPIRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, raw, notFound)
	}
	return decodePayload(resp.StatusCode, raw, out)
}

// decodePayload unwraps the response envelope, if any, and decodes the payload into out.
func decodePayload(status int, raw []byte, out any) error {
	payload := raw

	var env models.Envelope
	if err := shared.UnmarshalJSON(raw, &env); err == nil {
		if env.Success != nil && !*env.Success {
			return &APIError{StatusCode: status, Message: env.ErrorMessage(), err: shared.ErrAPIRequest}
		}
		if env.HasData() {
			payload = env.Data
		}
	}

	if out == nil {
		return nil
	}
	if err := shared.UnmarshalJSON(payload, out); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrUnexpectedResponse, err)
	}
	return nil
}

func newAPIError(status int, raw []byte, notFound error) *APIError {
	apiErr := &APIError{StatusCode: status, err: shared.ErrAPIRequest}
	if status == http.StatusNotFound && notFound != nil {
		apiErr.err = notFound
	}

	var env models.Envelope
	if err := shared.UnmarshalJSON(raw, &env); err == nil {
		apiErr.Message = env.ErrorMessage()
	} else if text := strings.TrimSpace(string(raw)); len(text) <= maxErrorBody {
		apiErr.Message = text
	}
	return apiErr
}
