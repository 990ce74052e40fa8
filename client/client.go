// Package client talks to the civic portal backend: image analysis,
// problem submission and health.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"civicportal/intake"

	"github.com/apex/log"
)

const (
	EndPointAnalyzeImage = "/api/analyze-image"
	EndPointProblems     = "/api/problems"
	EndPointHealth       = "/health"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// ErrUnauthorized is wrapped by every 401 answer. The stored token has been
// cleared by the time the caller sees it.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Client is a backend client. The zero value is not usable; call New.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for baseURL. A nil token store means requests are
// always sent anonymously.
func New(baseURL string, tokens TokenStore, opts ...Option) *Client {
	if tokens == nil {
		tokens = NewMemoryTokenStore("")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokens returns the token store in use.
func (c *Client) Tokens() TokenStore {
	return c.tokens
}

// AnalyzeImage uploads img and returns the suggested categories.
func (c *Client) AnalyzeImage(ctx context.Context, img *intake.Attachment) ([]string, error) {
	body, contentType, err := buildMultipart(img, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Categories []string `json:"categories"`
	}
	if err := c.do(ctx, http.MethodPost, EndPointAnalyzeImage, contentType, body, true, &resp); err != nil {
		return nil, fmt.Errorf("analyze image: %w", err)
	}
	return resp.Categories, nil
}

// ProblemRequest is the multipart body of a problem submission.
type ProblemRequest struct {
	Image      *intake.Attachment
	Categories []string
	Latitude   float64
	Longitude  float64
	OthersText string
	Priority   string
	Location   string
}

// Problem is the record the backend created. Only a few fields are
// decoded; Raw keeps the full record.
type Problem struct {
	ID     string
	Status string
	Raw    json.RawMessage
}

// SubmitProblem posts a new problem report.
func (c *Client) SubmitProblem(ctx context.Context, req ProblemRequest) (*Problem, error) {
	if req.Image == nil {
		return nil, errors.New("submit problem: image is required")
	}

	categories, err := encodeCategories(req.Categories)
	if err != nil {
		return nil, err
	}

	fields := [][2]string{
		{"problem_categories", categories},
		{"latitude", strconv.FormatFloat(req.Latitude, 'f', -1, 64)},
		{"longitude", strconv.FormatFloat(req.Longitude, 'f', -1, 64)},
	}
	if req.OthersText != "" {
		fields = append(fields, [2]string{"others_text", req.OthersText})
	}
	if req.Priority != "" {
		fields = append(fields, [2]string{"priority", req.Priority})
	}
	if req.Location != "" {
		fields = append(fields, [2]string{"location", req.Location})
	}

	body, contentType, err := buildMultipart(req.Image, fields)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Problem json.RawMessage `json:"problem"`
	}
	if err := c.do(ctx, http.MethodPost, EndPointProblems, contentType, body, true, &resp); err != nil {
		return nil, fmt.Errorf("submit problem: %w", err)
	}

	problem := &Problem{Raw: resp.Problem}
	var fieldsOut map[string]any
	if len(resp.Problem) > 0 && json.Unmarshal(resp.Problem, &fieldsOut) == nil {
		if id, ok := fieldsOut["id"]; ok && id != nil {
			problem.ID = fmt.Sprint(id)
		}
		if status, ok := fieldsOut["status"].(string); ok {
			problem.Status = status
		}
	}
	log.WithField("problem_id", problem.ID).Info("problem submitted")
	return problem, nil
}

// Health is the backend liveness answer.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Health probes the backend without authentication.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, EndPointHealth, "", nil, false, &h); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, authenticated bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if authenticated {
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
		if resp.StatusCode == http.StatusUnauthorized && authenticated {
			if err := c.tokens.ClearToken(); err != nil {
				log.WithError(err).Error("failed to clear auth token")
			}
			log.Warnf("%s %s: unauthorized, auth token cleared", method, path)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// bearer returns the stored token, dropping it first if it is a JWT that
// has already expired.
func (c *Client) bearer() string {
	token, err := c.tokens.Token()
	if err != nil {
		log.WithError(err).Warn("failed to read auth token")
		return ""
	}
	if token == "" {
		return ""
	}
	if Expired(token, time.Now()) {
		log.Info("stored auth token expired, sending request anonymously")
		if err := c.tokens.ClearToken(); err != nil {
			log.WithError(err).Error("failed to clear expired auth token")
		}
		return ""
	}
	return token
}

// errorMessage reads the best available message from an error response.
func errorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

func buildMultipart(img *intake.Attachment, fields [][2]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if img != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, fileName(img)))
		header.Set("Content-Type", img.MimeType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write image part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func fileName(img *intake.Attachment) string {
	if img.FileName != "" {
		return img.FileName
	}
	return "image"
}

// encodeCategories renders the names as a JSON array with "&" and angle
// brackets left as typed.
func encodeCategories(categories []string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(nonNil(categories)); err != nil {
		return "", fmt.Errorf("failed to marshal categories: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
