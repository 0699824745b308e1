// Package notion binds the remote content API. The export engine treats it
// as a paginated fetch service; content payloads stay raw JSON so the file
// writers persist exactly what the API returned.
package notion

import (
	"context"
	"encoding/json"
	"time"
)

// Page is a document node. Properties and the full payload stay raw.
type Page struct {
	ID             string          `json:"id"`
	CreatedTime    time.Time       `json:"created_time"`
	LastEditedTime time.Time       `json:"last_edited_time"`
	Archived       bool            `json:"archived"`
	URL            string          `json:"url"`
	Parent         Parent          `json:"parent"`
	Properties     json.RawMessage `json:"properties"`

	// Raw is the unmodified API payload, populated by the client.
	Raw json.RawMessage `json:"-"`
}

// Database is a container of pages with a schema.
type Database struct {
	ID             string          `json:"id"`
	CreatedTime    time.Time       `json:"created_time"`
	LastEditedTime time.Time       `json:"last_edited_time"`
	Archived       bool            `json:"archived"`
	URL            string          `json:"url"`
	Title          json.RawMessage `json:"title"`
	Properties     json.RawMessage `json:"properties"`

	Raw json.RawMessage `json:"-"`
}

// Block is one content node of a page. Children are fetched separately.
type Block struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	HasChildren    bool      `json:"has_children"`
	Archived       bool      `json:"archived"`
	CreatedTime    time.Time `json:"created_time"`
	LastEditedTime time.Time `json:"last_edited_time"`

	Raw json.RawMessage `json:"-"`
}

// Comment is a discussion entry attached to a page or block.
type Comment struct {
	ID             string          `json:"id"`
	DiscussionID   string          `json:"discussion_id"`
	CreatedTime    time.Time       `json:"created_time"`
	LastEditedTime time.Time       `json:"last_edited_time"`
	RichText       json.RawMessage `json:"rich_text"`

	Raw json.RawMessage `json:"-"`
}

// User is a workspace member or bot.
type User struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`

	Raw json.RawMessage `json:"-"`
}

// Parent identifies what an object hangs off of.
type Parent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
	BlockID    string `json:"block_id,omitempty"`
	Workspace  bool   `json:"workspace,omitempty"`
}

// QueryResult is one page of any paginated listing. Results stay raw; the
// caller decodes them into the type the endpoint returns.
type QueryResult struct {
	Results    []json.RawMessage `json:"results"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor"`
}

// SearchFilter restricts Search results to one object kind, "page" or
// "database". Empty means both.
type SearchFilter struct {
	Value string
}

// Service is the paginated fetch surface the export engine crawls. Every
// method may return an error carrying a machine-readable code, and for
// rate-limit errors a retry-after hint.
type Service interface {
	GetPage(ctx context.Context, pageID string) (*Page, error)
	GetDatabase(ctx context.Context, databaseID string) (*Database, error)
	QueryDatabase(ctx context.Context, databaseID, cursor string, pageSize int) (*QueryResult, error)
	GetBlockChildren(ctx context.Context, blockID, cursor string, pageSize int) (*QueryResult, error)
	GetComments(ctx context.Context, blockID, cursor string, pageSize int) (*QueryResult, error)
	ListUsers(ctx context.Context, cursor string, pageSize int) (*QueryResult, error)
	Search(ctx context.Context, query string, filter SearchFilter, cursor string, pageSize int) (*QueryResult, error)
}

// DecodePage decodes one raw search or query result into a Page.
func DecodePage(raw json.RawMessage) (*Page, error) {
	var p Page
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.Raw = raw
	return &p, nil
}

// DecodeDatabase decodes one raw search result into a Database.
func DecodeDatabase(raw json.RawMessage) (*Database, error) {
	var d Database
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	d.Raw = raw
	return &d, nil
}

// DecodeBlock decodes one raw block-children result into a Block.
func DecodeBlock(raw json.RawMessage) (*Block, error) {
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	b.Raw = raw
	return &b, nil
}

// DecodeComment decodes one raw comment-listing result into a Comment.
func DecodeComment(raw json.RawMessage) (*Comment, error) {
	var c Comment
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	c.Raw = raw
	return &c, nil
}

// DecodeUser decodes one raw user-listing result into a User.
func DecodeUser(raw json.RawMessage) (*User, error) {
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	u.Raw = raw
	return &u, nil
}

// ObjectKind reports the "object" discriminator of a raw API payload, empty
// when the payload carries none.
func ObjectKind(raw json.RawMessage) string {
	var probe struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Object
}
