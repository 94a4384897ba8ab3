package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pentanotes/assist/internal/notes"
)

// Args is the decoded, validated argument set of one capability. Each
// capability has its own concrete type.
type Args interface {
	Capability() string
	validate() error
	run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error)
}

// decode converts a loosely-typed argument map to T via JSON.
func decode[T any](raw map[string]any) (T, error) {
	var v T
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func decoder[T Args](raw map[string]any) (Args, error) {
	v, err := decode[T](raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func requirePositive(field string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%s must be a positive integer", field)
	}
	return nil
}

func requireTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > 255 {
		return fmt.Errorf("title too long (max 255)")
	}
	return nil
}

// GetNotesArgs has no parameters.
type GetNotesArgs struct{}

func (GetNotesArgs) Capability() string { return "get-notes" }
func (GetNotesArgs) validate() error    { return nil }
func (GetNotesArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.GetNotes(ctx, token)
}

// GetNoteArgs selects one note.
type GetNoteArgs struct {
	NoteID int64 `json:"noteId"`
}

func (GetNoteArgs) Capability() string { return "get-note" }
func (a GetNoteArgs) validate() error  { return requirePositive("noteId", a.NoteID) }
func (a GetNoteArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.GetNote(ctx, token, a.NoteID)
}

// GetNoteNamesArgs has no parameters.
type GetNoteNamesArgs struct{}

func (GetNoteNamesArgs) Capability() string { return "get-note-names" }
func (GetNoteNamesArgs) validate() error    { return nil }
func (GetNoteNamesArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.GetNoteNames(ctx, token)
}

// GetFoldersArgs has no parameters.
type GetFoldersArgs struct{}

func (GetFoldersArgs) Capability() string { return "get-folders" }
func (GetFoldersArgs) validate() error    { return nil }
func (GetFoldersArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.GetFolders(ctx, token)
}

// GetTagsArgs has no parameters.
type GetTagsArgs struct{}

func (GetTagsArgs) Capability() string { return "get-tags" }
func (GetTagsArgs) validate() error    { return nil }
func (GetTagsArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.GetTags(ctx, token)
}

// CreateNoteArgs creates a note, optionally inside a folder.
type CreateNoteArgs struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	FolderID *int64 `json:"folderId"`
}

func (CreateNoteArgs) Capability() string { return "create-note" }

func (a CreateNoteArgs) validate() error {
	if err := requireTitle(a.Title); err != nil {
		return err
	}
	if a.FolderID != nil {
		return requirePositive("folderId", *a.FolderID)
	}
	return nil
}

func (a CreateNoteArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.CreateNote(ctx, token, a.Title, a.Content, a.FolderID)
}

// UpdateNoteArgs changes only the fields that are set.
type UpdateNoteArgs struct {
	NoteID   int64   `json:"noteId"`
	Title    *string `json:"title"`
	Content  *string `json:"content"`
	FolderID *int64  `json:"folderId"`
}

func (UpdateNoteArgs) Capability() string { return "update-note" }

func (a UpdateNoteArgs) validate() error {
	if err := requirePositive("noteId", a.NoteID); err != nil {
		return err
	}
	if a.Title == nil && a.Content == nil && a.FolderID == nil {
		return fmt.Errorf("at least one of title, content, folderId is required")
	}
	if a.Title != nil {
		if err := requireTitle(*a.Title); err != nil {
			return err
		}
	}
	if a.FolderID != nil {
		return requirePositive("folderId", *a.FolderID)
	}
	return nil
}

func (a UpdateNoteArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.UpdateNote(ctx, token, a.NoteID, notes.NoteUpdate{
		Title:    a.Title,
		Content:  a.Content,
		FolderID: a.FolderID,
	})
}

// DeleteNoteArgs deletes one note.
type DeleteNoteArgs struct {
	NoteID int64 `json:"noteId"`
}

func (DeleteNoteArgs) Capability() string { return "delete-note" }
func (a DeleteNoteArgs) validate() error  { return requirePositive("noteId", a.NoteID) }
func (a DeleteNoteArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.DeleteNote(ctx, token, a.NoteID)
}

// CreateFolderArgs creates a folder.
type CreateFolderArgs struct {
	Title string `json:"title"`
}

func (CreateFolderArgs) Capability() string { return "create-folder" }

func (a CreateFolderArgs) validate() error {
	if err := requireTitle(a.Title); err != nil {
		return err
	}
	if a.Title == notes.ReservedFolderTitle {
		return fmt.Errorf("folder title %q is reserved", notes.ReservedFolderTitle)
	}
	return nil
}

func (a CreateFolderArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.CreateFolder(ctx, token, a.Title)
}

// UpdateFolderArgs renames a folder.
type UpdateFolderArgs struct {
	FolderID int64  `json:"folderId"`
	Title    string `json:"title"`
}

func (UpdateFolderArgs) Capability() string { return "update-folder" }

func (a UpdateFolderArgs) validate() error {
	if err := requirePositive("folderId", a.FolderID); err != nil {
		return err
	}
	if err := requireTitle(a.Title); err != nil {
		return err
	}
	if a.Title == notes.ReservedFolderTitle {
		return fmt.Errorf("folder title %q is reserved", notes.ReservedFolderTitle)
	}
	return nil
}

func (a UpdateFolderArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.UpdateFolder(ctx, token, a.FolderID, a.Title)
}

// DeleteFolderArgs deletes a folder and its notes.
type DeleteFolderArgs struct {
	FolderID int64 `json:"folderId"`
}

func (DeleteFolderArgs) Capability() string { return "delete-folder" }
func (a DeleteFolderArgs) validate() error  { return requirePositive("folderId", a.FolderID) }
func (a DeleteFolderArgs) run(ctx context.Context, c *notes.Client, token string) (*notes.Envelope, error) {
	return c.DeleteFolder(ctx, token, a.FolderID)
}
