package ops

import (
	"context"
	"testing"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/catalog"
	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/conversation"
	"github.com/pentanotes/assist/internal/db"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ledger"
	"github.com/pentanotes/assist/internal/notes"
	"github.com/pentanotes/assist/internal/orchestrator"
	"github.com/pentanotes/assist/internal/revert"
)

const token = "tok"

type fixture struct {
	svc     *Service
	backend *notes.Memory
	client  *completion.Scripted
	memory  *conversation.Store
}

func setup(t *testing.T, responses ...*completion.Response) *fixture {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	backend := notes.NewMemory()
	l := ledger.New(ledger.NewSQLiteStore(database), nil)
	exec, err := capability.NewExecutor(catalog.Default(), notes.NewClient(backend), l, nil)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	client := completion.NewScripted(responses...)
	memory := conversation.New(database, nil)
	svc := New(orchestrator.New(client, exec, l, nil), revert.New(l, backend, nil), memory, nil)
	return &fixture{svc: svc, backend: backend, client: client, memory: memory}
}

func TestChatInput_Validate(t *testing.T) {
	long := make([]byte, MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name   string
		input  ChatInput
		fields []string
	}{
		{"valid", ChatInput{Message: "hi", UserID: 1}, nil},
		{"empty message", ChatInput{Message: "   ", UserID: 1}, []string{"message"}},
		{"long message", ChatInput{Message: string(long), UserID: 1}, []string{"message"}},
		{"zero user", ChatInput{Message: "hi"}, []string{"userId"}},
		{"both", ChatInput{UserID: -2}, []string{"message", "userId"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.input.Validate()
			if len(got) != len(tt.fields) {
				t.Fatalf("got %d field errors (%v), want %d", len(got), got, len(tt.fields))
			}
			for i, f := range got {
				if f.Field != tt.fields[i] {
					t.Errorf("field[%d] = %q, want %q", i, f.Field, tt.fields[i])
				}
			}
		})
	}
}

func TestChat_ValidationError(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "", UserID: 1, Token: token})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Fatalf("err = %v, want INVALID_REQUEST", err)
	}
	fields := FieldErrors(err)
	if len(fields) != 1 || fields[0].Field != "message" {
		t.Errorf("fields = %v, want one message error", fields)
	}
	if n := len(f.client.Requests()); n != 0 {
		t.Errorf("completion calls = %d, want 0", n)
	}
}

func TestChat_RemembersConversation(t *testing.T) {
	f := setup(t, completion.Text("first reply"), completion.Text("second reply"))
	ctx := context.Background()

	if _, err := f.svc.Chat(ctx, ChatInput{Message: "one", UserID: 4, Token: token}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if _, err := f.svc.Chat(ctx, ChatInput{Message: "two", UserID: 4, Token: token}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	reqs := f.client.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	second := reqs[1].Transcript
	if len(second) != 3 {
		t.Fatalf("transcript len = %d, want 3", len(second))
	}
	if second[0].Parts[0].Text != "one" || second[1].Parts[0].Text != "first reply" {
		t.Errorf("history = %+v, want first exchange", second[:2])
	}
}

func TestChat_FailureNotRemembered(t *testing.T) {
	f := setup(t, completion.Calls("drop-table", nil))
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatInput{Message: "x", UserID: 4, Token: token})
	if !errors.Is(err, errors.ErrUnknownCapability) {
		t.Fatalf("err = %v, want UNKNOWN_CAPABILITY", err)
	}
	turns, _ := f.memory.History(ctx, 4)
	if len(turns) != 0 {
		t.Errorf("history len = %d, want 0", len(turns))
	}
}

func TestClearHistory(t *testing.T) {
	f := setup(t, completion.Text("ok"))
	ctx := context.Background()
	if _, err := f.svc.Chat(ctx, ChatInput{Message: "x", UserID: 4, Token: token}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if err := f.svc.ClearHistory(ctx, ClearHistoryInput{UserID: 4}); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	turns, _ := f.memory.History(ctx, 4)
	if len(turns) != 0 {
		t.Errorf("history len = %d, want 0", len(turns))
	}

	if err := f.svc.ClearHistory(ctx, ClearHistoryInput{}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("err = %v, want INVALID_REQUEST", err)
	}
}

func TestStatus_Validation(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Status(context.Background(), StatusInput{UserID: 1})
	fields := FieldErrors(err)
	if len(fields) != 1 || fields[0].Field != "requestId" {
		t.Errorf("fields = %v, want requestId error", fields)
	}
}

func TestRevert_NothingToRevert(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Revert(context.Background(), RevertInput{UserID: 1, Token: token})
	if !errors.Is(err, errors.ErrRevertNotFound) {
		t.Errorf("err = %v, want REVERT_NOT_FOUND", err)
	}
}

func TestFieldErrors_NonValidation(t *testing.T) {
	if got := FieldErrors(errors.NewConflict("x")); got != nil {
		t.Errorf("FieldErrors = %v, want nil", got)
	}
}
