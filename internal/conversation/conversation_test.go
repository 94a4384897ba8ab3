package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/db"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setupStore(t *testing.T, opts ...Option) (*Store, *clock) {
	t.Helper()
	sqlDB, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	c := &clock{now: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return New(sqlDB, nil, opts...), c
}

func texts(turns []completion.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role) + ":" + t.Parts[0].Text
	}
	return out
}

func TestHistory_Empty(t *testing.T) {
	s, _ := setupStore(t)
	turns, err := s.History(context.Background(), 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("len = %d, want 0", len(turns))
	}
}

func TestAppendAndHistory(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, 1, "hi", "hello"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(ctx, 1, "make a note", "done"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	turns, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	got := texts(turns)
	want := []string{"user:hi", "model:hello", "user:make a note", "model:done"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("history = %v, want %v", got, want)
	}
}

func TestAppend_KeepsLastPairs(t *testing.T) {
	s, _ := setupStore(t, WithMaxPairs(2))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if err := s.Append(ctx, 1, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	turns, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	got := texts(turns)
	want := []string{"user:q3", "model:a3", "user:q4", "model:a4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("history = %v, want %v", got, want)
	}

	var rows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversation_turns WHERE user_id = 1`).Scan(&rows); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 4 {
		t.Errorf("stored rows = %d, want 4", rows)
	}
}

func TestHistory_PerUser(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	_ = s.Append(ctx, 1, "mine", "ok")
	_ = s.Append(ctx, 2, "theirs", "ok")

	turns, err := s.History(ctx, 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(turns) != 2 || turns[0].Parts[0].Text != "theirs" {
		t.Errorf("history = %v, want only user 2 turns", texts(turns))
	}
}

func TestHistory_Expires(t *testing.T) {
	s, c := setupStore(t)
	ctx := context.Background()
	_ = s.Append(ctx, 1, "old", "reply")

	c.now = c.now.Add(DefaultRetention + time.Second)
	turns, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("len = %d, want 0 after retention", len(turns))
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
}

func TestClear(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	_ = s.Append(ctx, 1, "q", "a")
	_ = s.Append(ctx, 2, "q", "a")

	if err := s.Clear(ctx, 1); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	one, _ := s.History(ctx, 1)
	two, _ := s.History(ctx, 2)
	if len(one) != 0 {
		t.Errorf("user 1 history len = %d, want 0", len(one))
	}
	if len(two) != 2 {
		t.Errorf("user 2 history len = %d, want 2", len(two))
	}
}
