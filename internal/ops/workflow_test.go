package ops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/revert"
)

// TestFullWorkflow exercises the request lifecycle:
// chat (create folder + note) → status → revert latest → status → revert again
func TestFullWorkflow(t *testing.T) {
	f := setup(t,
		completion.Calls("create-folder", map[string]any{"title": "Recipes"}),
		completion.Calls("create-note", map[string]any{"title": "Soup", "content": "leeks", "folderId": 1}),
		completion.Text("Added **Soup** to Recipes."),
	)
	ctx := context.Background()

	// 1. Chat
	out, err := f.svc.Chat(ctx, ChatInput{Message: "save my soup recipe", UserID: 9, Token: token})
	require.NoError(t, err)
	require.Equal(t, "Added **Soup** to Recipes.", out.Reply)
	require.Equal(t, []string{"folders", "notes"}, out.Changed)
	require.NotEmpty(t, out.RequestID)
	require.Empty(t, out.Degraded)

	_, found := f.backend.Folder(token, 1)
	require.True(t, found)

	// 2. Status
	view, err := f.svc.Status(ctx, StatusInput{RequestID: out.RequestID, UserID: 9})
	require.NoError(t, err)
	require.Equal(t, "completed", view.Status)
	require.Equal(t, 2, *view.ActionCount)

	// 3. Revert latest
	res, err := f.svc.Revert(ctx, RevertInput{UserID: 9, Token: token})
	require.NoError(t, err)
	require.Equal(t, out.RequestID, res.RequestID)
	require.Equal(t, revert.OutcomeReverted, res.Outcome)
	require.Equal(t, 2, res.OperationsReverted)

	_, found = f.backend.Folder(token, 1)
	require.False(t, found)
	_, found = f.backend.Note(token, 2)
	require.False(t, found)

	// 4. Status after revert
	view, err = f.svc.Status(ctx, StatusInput{RequestID: out.RequestID, UserID: 9})
	require.NoError(t, err)
	require.Equal(t, "reverted", view.Status)
	require.NotNil(t, view.RevertedAt)

	// 5. Revert again by id
	_, err = f.svc.Revert(ctx, RevertInput{RequestID: out.RequestID, UserID: 9, Token: token})
	require.True(t, errors.Is(err, errors.ErrRevertAlreadyDone))
}
