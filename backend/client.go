// Package backend is the HTTP client for the research service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/stream"
)

// maxResponseSize limits single-shot response bodies.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// DefaultTimeout bounds single-shot calls. Answer synthesis is slow.
const DefaultTimeout = 3 * time.Minute

// Endpoint paths.
const (
	pathImprove  = "/api/research/improve-question"
	pathAnalyze  = "/api/research/analyze-question-stream"
	pathExpand   = "/api/research/expand-question-stream"
	pathQueries  = "/api/research/execute-queries-stream"
	pathFetch    = "/api/search/fetch-urls"
	pathAnswer   = "/api/research/research-answer"
	pathEvaluate = "/api/research/evaluate-answer"
	pathLogin    = "/api/auth/login"
)

// RequestIDHeader carries a per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// TokenSource supplies the bearer token and forgets it once the backend
// rejects it.
type TokenSource interface {
	Token() string
	Clear() error
}

// Client implements research.Backend over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	tokens     TokenSource
	onExpired  func()
	retry      RetryConfig
	logger     *slog.Logger
}

var _ research.Backend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout should be zero:
// streams stay open for as long as the backend produces output.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout bounds each single-shot call. Streams are bounded only by the
// caller's context.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.timeout = d
	}
}

// WithTokenSource sets where the bearer token comes from.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(client *Client) {
		client.tokens = ts
	}
}

// WithSessionExpired sets the callback invoked after the backend rejects the
// credential, once the token has been cleared.
func WithSessionExpired(fn func()) ClientOption {
	return func(client *Client) {
		client.onExpired = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url %q: missing host", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ImproveQuestion(ctx context.Context, question string) (*research.Improvement, error) {
	var imp research.Improvement
	req := map[string]string{"question": question}
	if err := c.call(ctx, pathImprove, req, &imp, "improvement"); err != nil {
		return nil, err
	}
	return &imp, nil
}

func (c *Client) AnalyzeQuestionStream(ctx context.Context, question string) (*stream.Decoder, error) {
	return c.stream(ctx, pathAnalyze, map[string]any{"question": question})
}

func (c *Client) ExpandQuestionStream(ctx context.Context, enhancedQuestion string) (*stream.Decoder, error) {
	return c.stream(ctx, pathExpand, map[string]any{"question": enhancedQuestion})
}

func (c *Client) ExecuteQueriesStream(ctx context.Context, queries []string) (*stream.Decoder, error) {
	return c.stream(ctx, pathQueries, map[string]any{"queries": queries})
}

func (c *Client) FetchURLs(ctx context.Context, urls []string) ([]research.URLContent, error) {
	var content []research.URLContent
	req := map[string][]string{"urls": urls}
	if err := c.call(ctx, pathFetch, req, &content, "url content"); err != nil {
		return nil, err
	}
	return content, nil
}

type answerRequest struct {
	Question      string                `json:"question"`
	SourceContent []research.URLContent `json:"source_content"`
}

func (c *Client) GetResearchAnswer(ctx context.Context, question string, sources []research.URLContent) (*research.ResearchAnswer, error) {
	var ans research.ResearchAnswer
	req := answerRequest{Question: question, SourceContent: sources}
	if err := c.call(ctx, pathAnswer, req, &ans, "research answer"); err != nil {
		return nil, err
	}
	return &ans, nil
}

type evaluateRequest struct {
	Question string                   `json:"question"`
	Analysis *research.AnalysisResult `json:"analysis"`
	Answer   string                   `json:"answer"`
}

func (c *Client) EvaluateAnswer(ctx context.Context, question string, analysis *research.AnalysisResult, answer string) (*research.Evaluation, error) {
	var eval research.Evaluation
	req := evaluateRequest{Question: question, Analysis: analysis, Answer: answer}
	if err := c.call(ctx, pathEvaluate, req, &eval, "evaluation"); err != nil {
		return nil, err
	}
	return &eval, nil
}

// Login exchanges credentials for a token. A rejected login is an
// ActionError, not an expired session.
func (c *Client) Login(ctx context.Context, username, password string) (*research.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathLogin, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, stream.NewTransportError(fmt.Errorf("login: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		msg := detail(body)
		if msg == "" {
			msg = "Incorrect username or password"
		}
		return nil, &stream.ActionError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := stream.CheckResponse(resp, nil); err != nil {
		return nil, err
	}

	var tok research.Token
	if err := decodeJSON(resp.Body, &tok, "token"); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, stream.NewParseError("token", fmt.Errorf("missing access_token"))
	}
	return &tok, nil
}

// call POSTs a JSON body and decodes a JSON response into out. It is never
// retried: a repeat is the user's decision.
func (c *Client) call(ctx context.Context, path string, body, out any, what string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", what, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSON(resp.Body, out, what)
}

// stream opens a streaming endpoint. Scalar parameters go in the query string
// of a GET; any list parameter switches to a POST with every parameter in a
// JSON body. Only the GET form may be retried, and only while opening.
func (c *Client) stream(ctx context.Context, path string, params map[string]any) (*stream.Decoder, error) {
	if hasList(params) {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode stream request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create stream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.do(req)
		if err != nil {
			return nil, err
		}
		return stream.NewDecoder(resp.Body), nil
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	var resp *http.Response
	err := c.withRetry(ctx, path, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, q), nil)
		if err != nil {
			return fmt.Errorf("create stream request: %w", err)
		}
		resp, err = c.do(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stream.NewDecoder(resp.Body), nil
}

// do sends req with auth and correlation headers and classifies failures.
// On success the caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	logger := c.logger.With("method", req.Method, "path", req.URL.Path, "request_id", requestID)
	logger.Debug("Sending backend request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		logger.Warn("Backend request failed", "error", err)
		return nil, stream.NewTransportError(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}

	if err := stream.CheckResponse(resp, c.expired); err != nil {
		logger.Warn("Backend request rejected", "status", resp.StatusCode, "error", err)
		return nil, err
	}
	logger.Debug("Backend responded", "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}

func (c *Client) expired() {
	if c.tokens != nil {
		if err := c.tokens.Clear(); err != nil {
			c.logger.Warn("Failed to clear rejected token", "error", err)
		}
	}
	if c.onExpired != nil {
		c.onExpired()
	}
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func hasList(params map[string]any) bool {
	for _, v := range params {
		switch v.(type) {
		case []string, []any:
			return true
		}
	}
	return false
}

// decodeJSON reads a bounded body into out. Malformed payloads are fatal
// ParseErrors for single-shot calls.
func decodeJSON(r io.Reader, out any, what string) error {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseSize))
	if err != nil {
		return stream.NewTransportError(fmt.Errorf("read %s response: %w", what, err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return stream.NewParseError(what, err)
	}
	return nil
}

func detail(body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return payload.Message
}
