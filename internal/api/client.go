package api

import (
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
	"strconv"
	"strings"
	"time"

	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

// APIKeyHeader carries the shared secret on HTTP requests.
const APIKeyHeader = "X-API-Key"

// StatusError is returned when the viewer answers with a non-success status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request returned status %d", e.Code)
	}
	return fmt.Sprintf("request returned status %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// SourceInfo describes an uploaded source.
type SourceInfo struct {
	Name     string `json:"name"`
	Frames   int    `json:"frames"`
	MaxBoxes int    `json:"maxBoxes"`
}

// BakeResult describes a bake written by the viewer.
type BakeResult struct {
	Path   string `json:"path"`
	Frames int    `json:"frames"`
	Shapes int    `json:"shapes"`
}

// Client talks to a running viewer over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StreamURL returns the WebSocket endpoint of the viewer.
func (c *Client) StreamURL() string {
	u := c.baseURL + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = strings.NewReader(string(data))
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// Healthcheck checks if the viewer is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	return nil
}

// UploadSource streams a source file to the viewer under name.
func (c *Client) UploadSource(ctx context.Context, name, filePath string) (SourceInfo, error) {
	var info SourceInfo

	file, err := os.Open(filePath)
	if err != nil {
		return info, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			err = fmt.Errorf("failed to create form file: %w", err)
			errCh <- err
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			err = fmt.Errorf("failed to copy file: %w", err)
			errCh <- err
			pw.CloseWithError(err)
			return
		}
		errCh <- writer.Close()
		pw.Close()
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/sources/"+url.PathEscape(name), pr)
	if err != nil {
		pr.Close()
		return info, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	err = c.do(req, &info)
	pr.Close()
	if writeErr := <-errCh; writeErr != nil && err == nil {
		return info, writeErr
	}
	if err != nil {
		return info, fmt.Errorf("upload %q: %w", name, err)
	}
	return info, nil
}

// ListSources returns the names of the stored sources.
func (c *Client) ListSources(ctx context.Context) ([]string, error) {
	var out struct {
		Sources []string `json:"sources"`
	}
	if err := c.getJSON(ctx, "/api/sources", &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

// DeleteSource removes a stored source.
func (c *Client) DeleteSource(ctx context.Context, name string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/api/sources/"+url.PathEscape(name), nil, nil)
}

// RegisterShape adds a shape layer and returns its box id.
func (c *Client) RegisterShape(ctx context.Context, shape handlers.Shape) (int, error) {
	var out struct {
		ID int `json:"id"`
	}
	in := map[string]any{"name": shape.Name, "rest": shape.Rest}
	if err := c.sendJSON(ctx, http.MethodPost, "/api/shapes", in, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// Evaluate returns one shape's state at t seconds.
func (c *Client) Evaluate(ctx context.Context, shape string, t float64) (streaming.ShapeState, error) {
	var out streaming.ShapeState
	path := "/api/evaluate/" + url.PathEscape(shape) + "?time=" + strconv.FormatFloat(t, 'g', -1, 64)
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// EvaluateAll returns every shape's state at t seconds.
func (c *Client) EvaluateAll(ctx context.Context, t float64) ([]streaming.ShapeState, error) {
	var out struct {
		Shapes []streaming.ShapeState `json:"shapes"`
	}
	if err := c.getJSON(ctx, "/api/evaluate?time="+strconv.FormatFloat(t, 'g', -1, 64), &out); err != nil {
		return nil, err
	}
	return out.Shapes, nil
}

// Timeline returns the active source and frame count.
func (c *Client) Timeline(ctx context.Context) (handlers.Timeline, error) {
	var out handlers.Timeline
	err := c.getJSON(ctx, "/api/timeline", &out)
	return out, err
}

// Command runs a host bridge command and returns its raw result.
func (c *Client) Command(ctx context.Context, command string, args ...string) (json.RawMessage, error) {
	if args == nil {
		args = []string{}
	}
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	in := streaming.CommandRequest{Command: command, Args: args}
	if err := c.sendJSON(ctx, http.MethodPost, "/api/command", in, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Bake asks the viewer to bake every shape of the active source to disk.
func (c *Client) Bake(ctx context.Context) (BakeResult, error) {
	var out BakeResult
	err := c.sendJSON(ctx, http.MethodPost, "/api/bake", nil, &out)
	return out, err
}
