// Package notes talks to the notes/folders REST backend.
//
// Everything goes through Backend.Send, a generic method + path + payload
// call. The typed Client helpers are thin wrappers; the revert engine replays
// recorded inverse operations through Send directly.
package notes

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// Request is one backend call.
type Request struct {
	Method string
	Path   string
	Token  string
	Body   map[string]any
}

// Envelope is the backend response body: {success, data, message}.
type Envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Entity returns data[key] as an object, e.g. Entity("note").
func (e *Envelope) Entity(key string) (map[string]any, bool) {
	if e == nil || e.Data == nil {
		return nil, false
	}
	m, ok := e.Data[key].(map[string]any)
	return m, ok
}

// AsMap returns the envelope as a plain map, the shape handed back to the model.
func (e *Envelope) AsMap() map[string]any {
	out := map[string]any{"success": e.Success}
	if e.Data != nil {
		out["data"] = e.Data
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	return out
}

// Backend performs backend calls. Non-2xx responses are returned as
// *errors.AssistError with code BACKEND.
type Backend interface {
	Send(ctx context.Context, req Request) (*Envelope, error)
}

// API paths.
const (
	NotesPath     = "/api/notes/"
	NoteNamesPath = "/api/notes/names"
	FoldersPath   = "/api/folders/"
	TagsPath      = "/api/tags/"
)

// NotePath returns the path of a single note.
func NotePath(id int64) string {
	return fmt.Sprintf("/api/notes/%d/", id)
}

// FolderPath returns the path of a single folder.
func FolderPath(id int64) string {
	return fmt.Sprintf("/api/folders/%d/", id)
}

// NoteUpdate carries the optional fields of an update-note call.
// A nil field is left unchanged.
type NoteUpdate struct {
	Title    *string
	Content  *string
	FolderID *int64
}

// Client wraps a Backend with one method per endpoint.
type Client struct {
	backend Backend
}

// NewClient returns a Client over b.
func NewClient(b Backend) *Client {
	return &Client{backend: b}
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend {
	return c.backend
}

func (c *Client) get(ctx context.Context, token, path string) (*Envelope, error) {
	return c.backend.Send(ctx, Request{Method: http.MethodGet, Path: path, Token: token})
}

// GetNotes fetches every note.
func (c *Client) GetNotes(ctx context.Context, token string) (*Envelope, error) {
	return c.get(ctx, token, NotesPath)
}

// GetNoteNames fetches id and title of every note.
func (c *Client) GetNoteNames(ctx context.Context, token string) (*Envelope, error) {
	return c.get(ctx, token, NoteNamesPath)
}

// GetNote fetches one note.
func (c *Client) GetNote(ctx context.Context, token string, id int64) (*Envelope, error) {
	return c.get(ctx, token, NotePath(id))
}

// GetFolders fetches every folder.
func (c *Client) GetFolders(ctx context.Context, token string) (*Envelope, error) {
	return c.get(ctx, token, FoldersPath)
}

// GetFolder fetches one folder.
func (c *Client) GetFolder(ctx context.Context, token string, id int64) (*Envelope, error) {
	return c.get(ctx, token, FolderPath(id))
}

// GetTags fetches every tag.
func (c *Client) GetTags(ctx context.Context, token string) (*Envelope, error) {
	return c.get(ctx, token, TagsPath)
}

// CreateNote creates a note. folderID is omitted from the body when nil.
func (c *Client) CreateNote(ctx context.Context, token, title, content string, folderID *int64) (*Envelope, error) {
	body := map[string]any{"title": title, "content": content}
	if folderID != nil {
		body["folderId"] = *folderID
	}
	return c.backend.Send(ctx, Request{Method: http.MethodPost, Path: NotesPath, Token: token, Body: body})
}

// UpdateNote sends only the fields set in u.
func (c *Client) UpdateNote(ctx context.Context, token string, id int64, u NoteUpdate) (*Envelope, error) {
	body := map[string]any{}
	if u.Title != nil {
		body["title"] = *u.Title
	}
	if u.Content != nil {
		body["content"] = *u.Content
	}
	if u.FolderID != nil {
		body["folderId"] = *u.FolderID
	}
	return c.backend.Send(ctx, Request{Method: http.MethodPut, Path: NotePath(id), Token: token, Body: body})
}

// DeleteNote deletes a note.
func (c *Client) DeleteNote(ctx context.Context, token string, id int64) (*Envelope, error) {
	return c.backend.Send(ctx, Request{Method: http.MethodDelete, Path: NotePath(id), Token: token})
}

// CreateFolder creates a folder.
func (c *Client) CreateFolder(ctx context.Context, token, title string) (*Envelope, error) {
	body := map[string]any{"title": title}
	return c.backend.Send(ctx, Request{Method: http.MethodPost, Path: FoldersPath, Token: token, Body: body})
}

// UpdateFolder renames a folder.
func (c *Client) UpdateFolder(ctx context.Context, token string, id int64, title string) (*Envelope, error) {
	body := map[string]any{"title": title}
	return c.backend.Send(ctx, Request{Method: http.MethodPut, Path: FolderPath(id), Token: token, Body: body})
}

// DeleteFolder deletes a folder and, on the backend, every note in it.
func (c *Client) DeleteFolder(ctx context.Context, token string, id int64) (*Envelope, error) {
	return c.backend.Send(ctx, Request{Method: http.MethodDelete, Path: FolderPath(id), Token: token})
}

// IDOf reads an integer id from a decoded JSON/BSON value.
func IDOf(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	}
	return 0, false
}
