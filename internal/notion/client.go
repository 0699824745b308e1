package notion

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pagevault/pagevault/pkg/errors"
)

const (
	defaultBaseURL    = "https://api.notion.com"
	defaultAPIVersion = "2022-06-28"
	defaultPageSize   = 100
)

// ResponseObserver sees every HTTP exchange the client performs. The
// concurrency limiter uses it to read rate-limit headers and latency.
type ResponseObserver func(headers http.Header, duration time.Duration, isError bool)

// ClientOptions configures the HTTP binding.
type ClientOptions struct {
	BaseURL    string
	Token      string
	APIVersion string
	UserAgent  string
	HTTPClient *http.Client
	OnResponse ResponseObserver
}

// Client is a thin HTTP binding for the content API. It performs no retries
// of its own: failures surface as coded errors and the retry layer above
// decides what to do with them.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	userAgent  string
	httpClient *http.Client
	onResponse ResponseObserver
}

// NewClient creates a client from options, filling defaults for anything
// unset.
func NewClient(opts ClientOptions) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "API token is required").
			WithComponent("notion")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		httpClient: httpClient,
		onResponse: opts.OnResponse,
	}, nil
}

// GetPage fetches one page by id.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	raw, err := c.get(ctx, "/v1/pages/"+url.PathEscape(pageID), nil)
	if err != nil {
		return nil, withObject(err, "page", pageID)
	}
	return DecodePage(raw)
}

// GetDatabase fetches one database by id.
func (c *Client) GetDatabase(ctx context.Context, databaseID string) (*Database, error) {
	raw, err := c.get(ctx, "/v1/databases/"+url.PathEscape(databaseID), nil)
	if err != nil {
		return nil, withObject(err, "database", databaseID)
	}
	return DecodeDatabase(raw)
}

// QueryDatabase lists one page of a database's rows starting at cursor.
func (c *Client) QueryDatabase(ctx context.Context, databaseID, cursor string, pageSize int) (*QueryResult, error) {
	body := map[string]any{"page_size": clampPageSize(pageSize)}
	if cursor != "" {
		body["start_cursor"] = cursor
	}
	raw, err := c.post(ctx, "/v1/databases/"+url.PathEscape(databaseID)+"/query", body)
	if err != nil {
		return nil, withObject(err, "database", databaseID)
	}
	return decodeQueryResult(raw)
}

// GetBlockChildren lists one page of a block's direct children.
func (c *Client) GetBlockChildren(ctx context.Context, blockID, cursor string, pageSize int) (*QueryResult, error) {
	q := url.Values{"page_size": {strconv.Itoa(clampPageSize(pageSize))}}
	if cursor != "" {
		q.Set("start_cursor", cursor)
	}
	raw, err := c.get(ctx, "/v1/blocks/"+url.PathEscape(blockID)+"/children", q)
	if err != nil {
		return nil, withObject(err, "block", blockID)
	}
	return decodeQueryResult(raw)
}

// GetComments lists one page of comments attached to a page or block.
func (c *Client) GetComments(ctx context.Context, blockID, cursor string, pageSize int) (*QueryResult, error) {
	q := url.Values{
		"block_id":  {blockID},
		"page_size": {strconv.Itoa(clampPageSize(pageSize))},
	}
	if cursor != "" {
		q.Set("start_cursor", cursor)
	}
	raw, err := c.get(ctx, "/v1/comments", q)
	if err != nil {
		return nil, withObject(err, "comment", blockID)
	}
	return decodeQueryResult(raw)
}

// ListUsers lists one page of workspace users.
func (c *Client) ListUsers(ctx context.Context, cursor string, pageSize int) (*QueryResult, error) {
	q := url.Values{"page_size": {strconv.Itoa(clampPageSize(pageSize))}}
	if cursor != "" {
		q.Set("start_cursor", cursor)
	}
	raw, err := c.get(ctx, "/v1/users", q)
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(raw)
}

// Search lists one page of pages and databases the integration can see,
// optionally filtered to one object kind.
func (c *Client) Search(ctx context.Context, query string, filter SearchFilter, cursor string, pageSize int) (*QueryResult, error) {
	body := map[string]any{"page_size": clampPageSize(pageSize)}
	if query != "" {
		body["query"] = query
	}
	if filter.Value != "" {
		body["filter"] = map[string]string{"property": "object", "value": filter.Value}
	}
	if cursor != "" {
		body["start_cursor"] = cursor
	}
	raw, err := c.post(ctx, "/v1/search", body)
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(raw)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeValidationError, "failed to encode request body").
			WithComponent("notion").WithCause(err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, payload)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "failed to build request").
			WithComponent("notion").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.observe(nil, elapsed, true)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewError(errors.ErrCodeNetworkError, "request failed").
			WithComponent("notion").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(resp.Header, elapsed, true)
		return nil, errors.NewError(errors.ErrCodeNetworkError, "failed to read response body").
			WithComponent("notion").WithCause(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		c.observe(resp.Header, elapsed, false)
		return respBody, nil
	}

	c.observe(resp.Header, elapsed, true)
	return nil, c.statusError(resp, respBody)
}

func (c *Client) observe(headers http.Header, d time.Duration, isError bool) {
	if c.onResponse != nil {
		c.onResponse(headers, d, isError)
	}
}

// statusError maps an API error response to a coded ExportError, carrying the
// server's own code and message when the body parses, and the Retry-After
// hint for rate-limit responses.
func (c *Client) statusError(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		message = parsed.Message
	}

	code := codeForStatus(resp.StatusCode, parsed.Code)
	e := errors.NewError(code, fmt.Sprintf("API request failed (status %d): %s", resp.StatusCode, message)).
		WithComponent("notion")
	if parsed.Code != "" {
		e = e.WithContext("api_code", parsed.Code)
	}
	if code == errors.ErrCodeRateLimited {
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			e = e.WithRetryAfter(d)
		}
	}
	return e
}

func codeForStatus(status int, apiCode string) errors.ErrorCode {
	switch apiCode {
	case "rate_limited":
		return errors.ErrCodeRateLimited
	case "unauthorized", "restricted_resource":
		return errors.ErrCodeUnauthorized
	case "object_not_found":
		return errors.ErrCodeObjectNotFound
	case "validation_error", "invalid_request":
		return errors.ErrCodeValidationError
	case "internal_server_error":
		return errors.ErrCodeInternalServerError
	case "service_unavailable":
		return errors.ErrCodeServiceUnavailable
	}

	switch {
	case status == http.StatusTooManyRequests:
		return errors.ErrCodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.ErrCodeUnauthorized
	case status == http.StatusNotFound:
		return errors.ErrCodeObjectNotFound
	case status == http.StatusBadRequest:
		return errors.ErrCodeValidationError
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway ||
		status == http.StatusGatewayTimeout:
		return errors.ErrCodeServiceUnavailable
	case status >= 500:
		return errors.ErrCodeInternalServerError
	default:
		return errors.ErrCodeNetworkError
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}

func decodeQueryResult(raw json.RawMessage) (*QueryResult, error) {
	var qr QueryResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, errors.NewError(errors.ErrCodeValidationError, "malformed listing response").
			WithComponent("notion").WithCause(err)
	}
	return &qr, nil
}

func clampPageSize(n int) int {
	if n <= 0 || n > defaultPageSize {
		return defaultPageSize
	}
	return n
}

func withObject(err error, objectType, objectID string) error {
	var e *errors.ExportError
	if stderrors.As(err, &e) {
		return e.WithObject(objectType, objectID)
	}
	return err
}
