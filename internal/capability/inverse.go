package capability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pentanotes/assist/internal/catalog"
	"github.com/pentanotes/assist/internal/ledger"
	"github.com/pentanotes/assist/internal/notes"
)

// captureBefore reads the entity an update is about to change.
func captureBefore(ctx context.Context, c *notes.Client, token string, args Args) (map[string]any, error) {
	var (
		env *notes.Envelope
		key string
		err error
	)
	switch a := args.(type) {
	case UpdateNoteArgs:
		env, err = c.GetNote(ctx, token, a.NoteID)
		key = "note"
	case UpdateFolderArgs:
		env, err = c.GetFolder(ctx, token, a.FolderID)
		key = "folder"
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entity, ok := env.Entity(key)
	if !ok {
		return nil, fmt.Errorf("response carried no %s", key)
	}
	return entity, nil
}

// invert builds the snapshots and inverse operations of one modifying call.
// A nil inverse list comes with a reason.
func invert(args Args, before map[string]any, out *notes.Envelope) ([]ledger.Snapshot, []ledger.Inverse, string) {
	switch a := args.(type) {
	case CreateNoteArgs:
		return invertCreate(out, "note", catalog.EntityNote, notes.NotePath)

	case CreateFolderArgs:
		return invertCreate(out, "folder", catalog.EntityFolder, notes.FolderPath)

	case UpdateNoteArgs:
		after, _ := out.Entity("note")
		if before == nil || after == nil {
			return nil, nil, "no before snapshot to restore"
		}
		payload := map[string]any{}
		for _, field := range []string{"title", "content", "folderId"} {
			if v, ok := before[field]; ok {
				payload[field] = v
			}
		}
		snap := ledger.Snapshot{Kind: string(catalog.EntityNote), EntityID: a.NoteID, Before: before, After: after}
		inv := ledger.Inverse{
			Kind:     ledger.InverseUpdate,
			Path:     notes.NotePath(a.NoteID),
			Method:   http.MethodPut,
			Payload:  payload,
			EntityID: a.NoteID,
		}
		return []ledger.Snapshot{snap}, []ledger.Inverse{inv}, ""

	case UpdateFolderArgs:
		after, _ := out.Entity("folder")
		if before == nil || after == nil {
			return nil, nil, "no before snapshot to restore"
		}
		snap := ledger.Snapshot{Kind: string(catalog.EntityFolder), EntityID: a.FolderID, Before: before, After: after}
		inv := ledger.Inverse{
			Kind:     ledger.InverseUpdate,
			Path:     notes.FolderPath(a.FolderID),
			Method:   http.MethodPut,
			Payload:  map[string]any{"title": before["title"]},
			EntityID: a.FolderID,
		}
		return []ledger.Snapshot{snap}, []ledger.Inverse{inv}, ""

	case DeleteNoteArgs:
		snap := ledger.Snapshot{Kind: string(catalog.EntityNote), EntityID: a.NoteID}
		return []ledger.Snapshot{snap}, nil, "deleted notes cannot be restored"

	case DeleteFolderArgs:
		snap := ledger.Snapshot{Kind: string(catalog.EntityFolder), EntityID: a.FolderID}
		return []ledger.Snapshot{snap}, nil, "deleted folders cannot be restored"
	}
	return nil, nil, fmt.Sprintf("no inversion rule for %s", args.Capability())
}

func invertCreate(out *notes.Envelope, key string, entity catalog.Entity, path func(int64) string) ([]ledger.Snapshot, []ledger.Inverse, string) {
	created, ok := out.Entity(key)
	if !ok {
		return nil, nil, fmt.Sprintf("response carried no %s", key)
	}
	id, ok := notes.IDOf(created["id"])
	if !ok {
		return nil, nil, fmt.Sprintf("created %s has no id", key)
	}
	snap := ledger.Snapshot{Kind: string(entity), EntityID: id, After: created}
	inv := ledger.Inverse{
		Kind:     ledger.InverseDelete,
		Path:     path(id),
		Method:   http.MethodDelete,
		EntityID: id,
	}
	return []ledger.Snapshot{snap}, []ledger.Inverse{inv}, ""
}
