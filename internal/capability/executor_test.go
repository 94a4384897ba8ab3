package capability

import (
	"context"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pentanotes/assist/internal/catalog"
	"github.com/pentanotes/assist/internal/db"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ledger"
	"github.com/pentanotes/assist/internal/notes"
)

const token = "tok"

type env struct {
	backend *notes.Memory
	client  *notes.Client
	ledger  *ledger.Ledger
	exec    *Executor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sqlDB, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	backend := notes.NewMemory()
	client := notes.NewClient(backend)
	l := ledger.New(ledger.NewSQLiteStore(sqlDB), nil)
	exec, err := NewExecutor(catalog.Default(), client, l, nil)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return &env{backend: backend, client: client, ledger: l, exec: exec}
}

func (e *env) request(t *testing.T, id string) *LedgerContext {
	t.Helper()
	require.NoError(t, e.ledger.CreateRequest(context.Background(), id, 1))
	return &LedgerContext{RequestID: id, UserID: 1}
}

func (e *env) record(t *testing.T, id string) *ledger.Record {
	t.Helper()
	rec, err := e.ledger.GetByID(context.Background(), id, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

type failingRecorder struct{}

func (failingRecorder) LogAction(context.Context, string, int64, ledger.Action) error {
	return stderrors.New("disk full")
}

func TestNewExecutor_CoversDefaultCatalog(t *testing.T) {
	for _, name := range catalog.Default().Names() {
		if _, ok := implementations[name]; !ok {
			t.Errorf("no implementation for %q", name)
		}
	}
}

func TestNewExecutor_RejectsMismatch(t *testing.T) {
	cat, err := catalog.Load([]byte(`
capabilities:
  - name: get-notes
    description: wrong effect
    effect: delete
    entity: note
`))
	require.NoError(t, err)

	_, err = NewExecutor(cat, notes.NewClient(notes.NewMemory()), nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "get-notes")
}

func TestNewExecutor_RejectsUnimplemented(t *testing.T) {
	cat, err := catalog.Load([]byte(`
capabilities:
  - name: archive-note
    description: not implemented
    effect: update
    entity: note
`))
	require.NoError(t, err)

	_, err = NewExecutor(cat, notes.NewClient(notes.NewMemory()), nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "archive-note")
}

func TestExecute_UnknownCapability(t *testing.T) {
	e := newEnv(t)
	_, err := e.exec.Execute(context.Background(), "rename-tag", nil, Auth{Token: token}, nil)
	require.True(t, errors.Is(err, errors.ErrUnknownCapability))
}

func TestExecute_InvalidArgs(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		cap  string
		args map[string]any
	}{
		{"missing required", "create-note", map[string]any{"content": "x"}},
		{"null required", "get-note", map[string]any{"noteId": nil}},
		{"wrong type", "get-note", map[string]any{"noteId": "abc"}},
		{"non-positive id", "delete-note", map[string]any{"noteId": 0}},
		{"blank title", "create-folder", map[string]any{"title": "  "}},
		{"reserved folder", "create-folder", map[string]any{"title": notes.ReservedFolderTitle}},
		{"empty update", "update-note", map[string]any{"noteId": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.exec.Execute(context.Background(), tt.cap, tt.args, Auth{Token: token}, nil)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("err = %v, want INVALID_REQUEST", err)
			}
		})
	}
	if n := len(e.backend.Calls()); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestExecute_RequiresToken(t *testing.T) {
	e := newEnv(t)
	_, err := e.exec.Execute(context.Background(), "get-notes", nil, Auth{}, nil)
	require.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestExecute_ReadIsNotRecorded(t *testing.T) {
	e := newEnv(t)
	lc := e.request(t, "R1")

	res, err := e.exec.Execute(context.Background(), "get-notes", nil, Auth{Token: token}, lc)
	require.NoError(t, err)
	require.False(t, res.Modifying)
	require.Empty(t, res.Changed)
	require.Equal(t, true, res.Output["success"])
	require.Empty(t, e.record(t, "R1").Actions)
}

func TestExecute_CreateNoteRecordsDeleteInverse(t *testing.T) {
	e := newEnv(t)
	lc := e.request(t, "R1")

	res, err := e.exec.Execute(context.Background(), "create-note",
		map[string]any{"title": "Groceries", "content": "eggs"}, Auth{Token: token}, lc)
	require.NoError(t, err)
	require.True(t, res.Modifying)
	require.Equal(t, "notes", res.Changed)
	require.Empty(t, res.Degraded)

	rec := e.record(t, "R1")
	require.Len(t, rec.Actions, 1)
	a := rec.Actions[0]
	require.Equal(t, "create-note", a.Capability)
	require.Len(t, a.Inverses, 1)

	id := a.Inverses[0].EntityID
	require.Equal(t, ledger.InverseDelete, a.Inverses[0].Kind)
	require.Equal(t, http.MethodDelete, a.Inverses[0].Method)
	require.Equal(t, notes.NotePath(id), a.Inverses[0].Path)
	require.Len(t, a.Snapshots, 1)
	require.Equal(t, "Groceries", a.Snapshots[0].After["title"])
	require.Nil(t, a.Snapshots[0].Before)

	_, found := e.backend.Note(token, id)
	require.True(t, found)
}

func TestExecute_UpdateNoteCapturesBefore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.client.CreateNote(ctx, token, "Draft", "v1", nil)
	require.NoError(t, err)
	note, _ := created.Entity("note")
	id, _ := notes.IDOf(note["id"])

	lc := e.request(t, "R1")
	_, err = e.exec.Execute(ctx, "update-note",
		map[string]any{"noteId": id, "title": "Final", "content": "v2"}, Auth{Token: token}, lc)
	require.NoError(t, err)

	a := e.record(t, "R1").Actions[0]
	require.Len(t, a.Inverses, 1)
	inv := a.Inverses[0]
	require.Equal(t, ledger.InverseUpdate, inv.Kind)
	require.Equal(t, http.MethodPut, inv.Method)
	require.Equal(t, "Draft", inv.Payload["title"])
	require.Equal(t, "v1", inv.Payload["content"])
	require.Contains(t, inv.Payload, "folderId")
	require.Nil(t, inv.Payload["folderId"])

	require.Equal(t, "Draft", a.Snapshots[0].Before["title"])
	require.Equal(t, "Final", a.Snapshots[0].After["title"])
}

func TestExecute_UpdateFolderCapturesBefore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.client.CreateFolder(ctx, token, "Work")
	require.NoError(t, err)
	folder, _ := created.Entity("folder")
	id, _ := notes.IDOf(folder["id"])

	lc := e.request(t, "R1")
	res, err := e.exec.Execute(ctx, "update-folder",
		map[string]any{"folderId": id, "title": "Office"}, Auth{Token: token}, lc)
	require.NoError(t, err)
	require.Equal(t, "folders", res.Changed)

	inv := e.record(t, "R1").Actions[0].Inverses[0]
	require.Equal(t, notes.FolderPath(id), inv.Path)
	require.Equal(t, map[string]any{"title": "Work"}, inv.Payload)
}

func TestExecute_SnapshotFailureDegrades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.client.CreateNote(ctx, token, "Draft", "v1", nil)
	require.NoError(t, err)
	note, _ := created.Entity("note")
	id, _ := notes.IDOf(note["id"])

	e.backend.FailOn(http.MethodGet, notes.NotePath(id), http.StatusInternalServerError)

	lc := e.request(t, "R1")
	res, err := e.exec.Execute(ctx, "update-note",
		map[string]any{"noteId": id, "content": "v2"}, Auth{Token: token}, lc)
	require.NoError(t, err)

	kinds := []DegradationKind{}
	for _, d := range res.Degraded {
		kinds = append(kinds, d.Kind)
	}
	require.Equal(t, []DegradationKind{SnapshotCaptureFailed, InverseUnavailable}, kinds)

	a := e.record(t, "R1").Actions[0]
	require.Empty(t, a.Inverses)

	n, _ := e.backend.Note(token, id)
	require.Equal(t, "v2", n.Content)
}

func TestExecute_DeleteHasNoInverse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.client.CreateNote(ctx, token, "Old", "", nil)
	require.NoError(t, err)
	note, _ := created.Entity("note")
	id, _ := notes.IDOf(note["id"])

	lc := e.request(t, "R1")
	res, err := e.exec.Execute(ctx, "delete-note", map[string]any{"noteId": id}, Auth{Token: token}, lc)
	require.NoError(t, err)
	require.Len(t, res.Degraded, 1)
	require.Equal(t, InverseUnavailable, res.Degraded[0].Kind)

	a := e.record(t, "R1").Actions[0]
	require.Empty(t, a.Inverses)
	require.Len(t, a.Snapshots, 1)
	require.Equal(t, id, a.Snapshots[0].EntityID)
}

func TestExecute_LedgerWriteFailureDegrades(t *testing.T) {
	backend := notes.NewMemory()
	exec, err := NewExecutor(catalog.Default(), notes.NewClient(backend), failingRecorder{}, nil)
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), "create-folder",
		map[string]any{"title": "Inbox"}, Auth{Token: token}, &LedgerContext{RequestID: "R1", UserID: 1})
	require.NoError(t, err)
	require.Len(t, res.Degraded, 1)
	require.Equal(t, LedgerWriteFailed, res.Degraded[0].Kind)
	require.Contains(t, res.Degraded[0].Detail, "disk full")
}

func TestExecute_WithoutLedgerContext(t *testing.T) {
	e := newEnv(t)
	res, err := e.exec.Execute(context.Background(), "create-folder",
		map[string]any{"title": "Inbox"}, Auth{Token: token}, nil)
	require.NoError(t, err)
	require.True(t, res.Modifying)
	require.Empty(t, res.Degraded)
}

func TestExecute_BackendErrorPropagates(t *testing.T) {
	e := newEnv(t)
	lc := e.request(t, "R1")

	_, err := e.exec.Execute(context.Background(), "get-note", map[string]any{"noteId": 99}, Auth{Token: token}, lc)
	require.True(t, errors.Is(err, errors.ErrBackend))

	_, err = e.exec.Execute(context.Background(), "create-note",
		map[string]any{"title": "x", "folderId": 42}, Auth{Token: token}, lc)
	require.True(t, errors.Is(err, errors.ErrBackend))
	require.Empty(t, e.record(t, "R1").Actions)
}

func TestExecute_ActionsInCallOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	lc := e.request(t, "R1")

	steps := []struct {
		cap  string
		args map[string]any
	}{
		{"create-folder", map[string]any{"title": "A"}},
		{"create-note", map[string]any{"title": "one"}},
		{"get-notes", nil},
		{"create-note", map[string]any{"title": "two"}},
	}
	for _, s := range steps {
		_, err := e.exec.Execute(ctx, s.cap, s.args, Auth{Token: token}, lc)
		require.NoError(t, err)
	}

	rec := e.record(t, "R1")
	got := []string{}
	for _, a := range rec.Actions {
		got = append(got, a.Capability)
	}
	require.Equal(t, []string{"create-folder", "create-note", "create-note"}, got)
}
