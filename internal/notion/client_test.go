package notion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagevault/pagevault/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientOptions{BaseURL: srv.URL, Token: "secret-token"})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
}

func TestGetPage(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pages/page-1", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, defaultAPIVersion, r.Header.Get("Notion-Version"))
		w.Write([]byte(`{"object":"page","id":"page-1","archived":false,"url":"https://example.com/p1",
			"parent":{"type":"database_id","database_id":"db-1"},"properties":{"title":{}}}`))
	})

	page, err := c.GetPage(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", page.ID)
	assert.Equal(t, "db-1", page.Parent.DatabaseID)
	assert.NotEmpty(t, page.Raw)
}

func TestQueryDatabasePagination(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/databases/db-1/query", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cur-1", body["start_cursor"])
		assert.Equal(t, float64(50), body["page_size"])
		w.Write([]byte(`{"results":[{"id":"p1"},{"id":"p2"}],"has_more":true,"next_cursor":"cur-2"}`))
	})

	qr, err := c.QueryDatabase(context.Background(), "db-1", "cur-1", 50)
	require.NoError(t, err)
	assert.Len(t, qr.Results, 2)
	assert.True(t, qr.HasMore)
	assert.Equal(t, "cur-2", qr.NextCursor)
}

func TestGetBlockChildrenCursorInQuery(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/blocks/blk-1/children", r.URL.Path)
		assert.Equal(t, "cur-9", r.URL.Query().Get("start_cursor"))
		w.Write([]byte(`{"results":[],"has_more":false,"next_cursor":""}`))
	})

	qr, err := c.GetBlockChildren(context.Background(), "blk-1", "cur-9", 0)
	require.NoError(t, err)
	assert.False(t, qr.HasMore)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	})

	_, err := c.GetPage(context.Background(), "page-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRateLimited, errors.CodeOf(err))
	assert.Equal(t, 3*time.Second, errors.RetryAfterOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestErrorCodeMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    errors.ErrorCode
		retries bool
	}{
		{"api code wins", http.StatusConflict, `{"code":"object_not_found","message":"gone"}`, errors.ErrCodeObjectNotFound, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, errors.ErrCodeUnauthorized, false},
		{"not found", http.StatusNotFound, `{}`, errors.ErrCodeObjectNotFound, false},
		{"validation", http.StatusBadRequest, `{"code":"validation_error","message":"bad"}`, errors.ErrCodeValidationError, false},
		{"internal", http.StatusInternalServerError, `{}`, errors.ErrCodeInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, `{}`, errors.ErrCodeServiceUnavailable, true},
		{"bad gateway", http.StatusBadGateway, `{}`, errors.ErrCodeServiceUnavailable, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.GetPage(context.Background(), "page-1")
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.CodeOf(err))
			assert.Equal(t, tt.retries, errors.IsRetryable(err))
		})
	}
}

func TestResponseObserverSeesHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "7")
		w.Write([]byte(`{"results":[],"has_more":false,"next_cursor":""}`))
	}))
	defer srv.Close()

	var gotRemaining string
	var gotErr bool
	c, err := NewClient(ClientOptions{
		BaseURL: srv.URL,
		Token:   "tok",
		OnResponse: func(headers http.Header, d time.Duration, isError bool) {
			gotRemaining = headers.Get("X-RateLimit-Remaining")
			gotErr = isError
		},
	})
	require.NoError(t, err)

	_, err = c.ListUsers(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, "7", gotRemaining)
	assert.False(t, gotErr)
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetPage(ctx, "page-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSearchFilter(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		filter, ok := body["filter"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "database", filter["value"])
		w.Write([]byte(`{"results":[{"object":"database","id":"db-1"}],"has_more":false,"next_cursor":""}`))
	})

	qr, err := c.Search(context.Background(), "", SearchFilter{Value: "database"}, "", 0)
	require.NoError(t, err)
	require.Len(t, qr.Results, 1)
	assert.Equal(t, "database", ObjectKind(qr.Results[0]))
}

func TestDecodeHelpers(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"id":"b1","type":"paragraph","has_children":true}`)
	b, err := DecodeBlock(raw)
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.True(t, b.HasChildren)
	assert.Equal(t, raw, b.Raw)

	_, err = DecodeUser(json.RawMessage(`not json`))
	assert.Error(t, err)
}
