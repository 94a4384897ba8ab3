package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pentanotes/assist/internal/errors"
)

// Note is a note as the backend serializes it.
type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	FolderID  *int64    `json:"folderId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Folder is a folder as the backend serializes it.
type Folder struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Tag is a tag as the backend serializes it.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ReservedFolderTitle cannot be used for a folder.
const ReservedFolderTitle = "ALL Notes"

// Call is one request seen by the memory backend.
type Call struct {
	Method string
	Path   string
	Body   map[string]any
}

type failure struct {
	method string
	path   string
	status int
}

type space struct {
	notes   map[int64]*Note
	folders map[int64]*Folder
	tags    []Tag
}

// Memory is an in-process notes backend with the same routes and envelopes as
// the REST API. Each bearer token gets its own namespace. It also serves HTTP.
type Memory struct {
	mu       sync.Mutex
	spaces   map[string]*space
	nextID   int64
	calls    []Call
	failures []failure
	now      func() time.Time
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		spaces: make(map[string]*space),
		now:    time.Now,
	}
}

var (
	noteIDPath   = regexp.MustCompile(`^/api/notes/(\d+)/?$`)
	folderIDPath = regexp.MustCompile(`^/api/folders/(\d+)/?$`)
)

// Send implements Backend.
func (m *Memory) Send(ctx context.Context, r Request) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewBackend(0, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: r.Method, Path: r.Path, Body: r.Body})

	for _, f := range m.failures {
		if f.method == r.Method && f.path == r.Path {
			return nil, errors.NewBackend(f.status, "injected failure")
		}
	}

	if r.Token == "" {
		return nil, errors.NewBackend(http.StatusUnauthorized, "Access token required")
	}
	sp := m.spaceFor(r.Token)

	status, env := m.route(sp, r)
	if status >= 300 {
		return nil, errors.NewBackend(status, env.Message)
	}
	return normalize(env)
}

func (m *Memory) route(sp *space, r Request) (int, *Envelope) {
	path := r.Path
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	switch {
	case path == NotesPath || path == strings.TrimSuffix(NotesPath, "/"):
		switch r.Method {
		case http.MethodGet:
			return http.StatusOK, ok(map[string]any{"notes": sp.sortedNotes()}, "")
		case http.MethodPost:
			return m.createNote(sp, r.Body)
		}
	case path == NoteNamesPath:
		if r.Method == http.MethodGet {
			names := make([]map[string]any, 0, len(sp.notes))
			for _, n := range sp.sortedNotes() {
				names = append(names, map[string]any{"id": n.ID, "title": n.Title})
			}
			return http.StatusOK, ok(map[string]any{"notes": names}, "")
		}
	case noteIDPath.MatchString(path):
		id, _ := strconv.ParseInt(noteIDPath.FindStringSubmatch(path)[1], 10, 64)
		switch r.Method {
		case http.MethodGet:
			n, found := sp.notes[id]
			if !found {
				return fail(http.StatusNotFound, "Note not found")
			}
			return http.StatusOK, ok(map[string]any{"note": n}, "")
		case http.MethodPut:
			return m.updateNote(sp, id, r.Body)
		case http.MethodDelete:
			if _, found := sp.notes[id]; !found {
				return fail(http.StatusNotFound, "Note not found")
			}
			delete(sp.notes, id)
			return http.StatusOK, ok(nil, "Note deleted successfully")
		}
	case path == FoldersPath || path == strings.TrimSuffix(FoldersPath, "/"):
		switch r.Method {
		case http.MethodGet:
			return http.StatusOK, ok(map[string]any{"folders": sp.sortedFolders()}, "")
		case http.MethodPost:
			return m.createFolder(sp, r.Body)
		}
	case folderIDPath.MatchString(path):
		id, _ := strconv.ParseInt(folderIDPath.FindStringSubmatch(path)[1], 10, 64)
		switch r.Method {
		case http.MethodGet:
			f, found := sp.folders[id]
			if !found {
				return fail(http.StatusNotFound, "Folder not found")
			}
			return http.StatusOK, ok(map[string]any{"folder": f}, "")
		case http.MethodPut:
			return m.updateFolder(sp, id, r.Body)
		case http.MethodDelete:
			if _, found := sp.folders[id]; !found {
				return fail(http.StatusNotFound, "Folder not found")
			}
			for nid, n := range sp.notes {
				if n.FolderID != nil && *n.FolderID == id {
					delete(sp.notes, nid)
				}
			}
			delete(sp.folders, id)
			return http.StatusOK, ok(nil, "Folder deleted successfully")
		}
	case path == TagsPath || path == strings.TrimSuffix(TagsPath, "/"):
		if r.Method == http.MethodGet {
			return http.StatusOK, ok(map[string]any{"tags": sp.tags}, "")
		}
	default:
		return fail(http.StatusNotFound, fmt.Sprintf("Route %s not found", path))
	}
	return fail(http.StatusMethodNotAllowed, fmt.Sprintf("Method %s not allowed on %s", r.Method, path))
}

func (m *Memory) createNote(sp *space, body map[string]any) (int, *Envelope) {
	title, _ := body["title"].(string)
	if strings.TrimSpace(title) == "" {
		return fail(http.StatusBadRequest, "Title is required")
	}
	if sp.titleTaken(title, 0) {
		return fail(http.StatusConflict, "A note with this title already exists")
	}
	content, _ := body["content"].(string)

	var folderID *int64
	if raw, present := body["folderId"]; present && raw != nil {
		id, valid := IDOf(raw)
		if !valid {
			return fail(http.StatusBadRequest, "Invalid folder ID")
		}
		if _, found := sp.folders[id]; !found {
			return fail(http.StatusNotFound, "Folder not found")
		}
		folderID = &id
	}

	m.nextID++
	now := m.now().UTC()
	n := &Note{ID: m.nextID, Title: title, Content: content, FolderID: folderID, CreatedAt: now, UpdatedAt: now}
	sp.notes[n.ID] = n
	return http.StatusCreated, ok(map[string]any{"note": n}, "Note created successfully")
}

func (m *Memory) updateNote(sp *space, id int64, body map[string]any) (int, *Envelope) {
	n, found := sp.notes[id]
	if !found {
		return fail(http.StatusNotFound, "Note not found")
	}
	updated := *n

	if raw, present := body["title"]; present {
		title, _ := raw.(string)
		if strings.TrimSpace(title) == "" {
			return fail(http.StatusBadRequest, "Title is required")
		}
		if sp.titleTaken(title, id) {
			return fail(http.StatusConflict, "A note with this title already exists")
		}
		updated.Title = title
	}
	if raw, present := body["content"]; present {
		content, _ := raw.(string)
		updated.Content = content
	}
	if raw, present := body["folderId"]; present {
		if raw == nil {
			updated.FolderID = nil
		} else {
			fid, valid := IDOf(raw)
			if !valid {
				return fail(http.StatusBadRequest, "Invalid folder ID")
			}
			if _, exists := sp.folders[fid]; !exists {
				return fail(http.StatusNotFound, "Folder not found")
			}
			updated.FolderID = &fid
		}
	}

	updated.UpdatedAt = m.now().UTC()
	sp.notes[id] = &updated
	return http.StatusOK, ok(map[string]any{"note": &updated}, "Note updated successfully")
}

func (m *Memory) createFolder(sp *space, body map[string]any) (int, *Envelope) {
	title, _ := body["title"].(string)
	if status, env := validFolderTitle(title); env != nil {
		return status, env
	}
	m.nextID++
	f := &Folder{ID: m.nextID, Title: title, CreatedAt: m.now().UTC()}
	sp.folders[f.ID] = f
	return http.StatusCreated, ok(map[string]any{"folder": f}, "Folder created successfully")
}

func (m *Memory) updateFolder(sp *space, id int64, body map[string]any) (int, *Envelope) {
	f, found := sp.folders[id]
	if !found {
		return fail(http.StatusNotFound, "Folder not found")
	}
	updated := *f
	if raw, present := body["title"]; present {
		title, _ := raw.(string)
		if status, env := validFolderTitle(title); env != nil {
			return status, env
		}
		updated.Title = title
	}
	sp.folders[id] = &updated
	return http.StatusOK, ok(map[string]any{"folder": &updated}, "Folder updated successfully")
}

func validFolderTitle(title string) (int, *Envelope) {
	if strings.TrimSpace(title) == "" {
		return fail(http.StatusBadRequest, "Title is required")
	}
	if title == ReservedFolderTitle {
		return fail(http.StatusBadRequest, `Cannot use reserved folder name "ALL Notes"`)
	}
	return 0, nil
}

func (m *Memory) spaceFor(token string) *space {
	sp, found := m.spaces[token]
	if !found {
		sp = &space{notes: make(map[int64]*Note), folders: make(map[int64]*Folder), tags: []Tag{}}
		m.spaces[token] = sp
	}
	return sp
}

func (sp *space) titleTaken(title string, except int64) bool {
	for id, n := range sp.notes {
		if id != except && n.Title == title {
			return true
		}
	}
	return false
}

func (sp *space) sortedNotes() []*Note {
	out := make([]*Note, 0, len(sp.notes))
	for _, n := range sp.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (sp *space) sortedFolders() []*Folder {
	out := make([]*Folder, 0, len(sp.folders))
	for _, f := range sp.folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func ok(data map[string]any, message string) *Envelope {
	return &Envelope{Success: true, Data: data, Message: message}
}

func fail(status int, message string) (int, *Envelope) {
	return status, &Envelope{Success: false, Message: message}
}

// normalize round-trips env through JSON so callers see exactly what the
// HTTP backend would decode (numbers as float64, times as strings).
func normalize(env *Envelope) (*Envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	out := &Envelope{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// FailOn makes every matching call fail with the given HTTP status.
func (m *Memory) FailOn(method, path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failure{method: method, path: path, status: status})
}

// ClearFailures removes every FailOn rule.
func (m *Memory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
}

// Calls returns a copy of the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Note returns a copy of a stored note.
func (m *Memory) Note(token string, id int64) (Note, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, found := m.spaceFor(token).notes[id]
	if !found {
		return Note{}, false
	}
	return *n, true
}

// Folder returns a copy of a stored folder.
func (m *Memory) Folder(token string, id int64) (Folder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, found := m.spaceFor(token).folders[id]
	if !found {
		return Folder{}, false
	}
	return *f, true
}

// SetTags replaces the tags visible to token.
func (m *Memory) SetTags(token string, tags []Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaceFor(token).tags = append([]Tag(nil), tags...)
}

// ServeHTTP exposes the memory backend over the REST routes.
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		token = ""
	}

	var body map[string]any
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err == nil && len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				writeEnvelope(w, http.StatusBadRequest, &Envelope{Message: "Invalid JSON body"})
				return
			}
		}
	}

	env, err := m.Send(r.Context(), Request{Method: r.Method, Path: r.URL.Path, Token: token, Body: body})
	if err != nil {
		status := http.StatusInternalServerError
		msg := err.Error()
		if aErr, isAssist := errors.As(err); isAssist {
			if s, valid := aErr.Details["backend_status"].(int); valid && s > 0 {
				status = s
			}
			msg = strings.TrimPrefix(aErr.Message, fmt.Sprintf("HTTP %d: ", status))
		}
		writeEnvelope(w, status, &Envelope{Message: msg})
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeEnvelope(w, status, env)
}

func writeEnvelope(w http.ResponseWriter, status int, env *Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
