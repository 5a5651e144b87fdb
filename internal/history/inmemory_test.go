package history

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreAppendTurnIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	turn := Turn{ID: "t1", SessionID: "s1", UserID: "u1", UserText: "hi", AIText: "hello"}
	if err := s.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	turn.AIText = "hello again"
	if err := s.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("AppendTurn() replay error = %v", err)
	}

	hist, err := s.GetHistory(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	got, err := s.GetTurn(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTurn() error = %v", err)
	}
	if got.AIText != "hello again" {
		t.Fatalf("AIText = %q, want latest write", got.AIText)
	}
	_ = hist
}

func TestInMemoryStoreGetHistoryCountsTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.BeginSession(ctx, Session{ID: "s1", UserID: "u1", StartedAt: time.Now()}); err != nil {
		t.Fatalf("BeginSession() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.AppendTurn(ctx, Turn{ID: string(rune('a' + i)), SessionID: "s1", UserID: "u1"}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	hist, err := s.GetHistory(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(hist) != 1 || hist[0].TurnCount != 3 {
		t.Fatalf("hist = %#v, want one session with 3 turns", hist)
	}
}

func TestInMemoryStoreSearchByText(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.AppendTurn(ctx, Turn{ID: "t1", UserID: "u1", UserText: "what is the weather"})
	_ = s.AppendTurn(ctx, Turn{ID: "t2", UserID: "u1", UserText: "tell me a joke"})

	got, err := s.SearchByText(ctx, "u1", "weather")
	if err != nil {
		t.Fatalf("SearchByText() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("got = %#v, want [t1]", got)
	}
}

func TestInMemoryStorePrune(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	old := Turn{ID: "old", UserID: "u1", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := Turn{ID: "new", UserID: "u1", CreatedAt: time.Now()}
	_ = s.AppendTurn(ctx, old)
	_ = s.AppendTurn(ctx, fresh)

	pruned, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if _, err := s.GetTurn(ctx, "old"); err == nil {
		t.Fatalf("expected old turn to be pruned")
	}
}

func TestInMemoryStoreRecentContextChronological(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.AppendTurn(ctx, Turn{ID: "t1", UserID: "u1", UserText: "first"})
	_ = s.AppendTurn(ctx, Turn{ID: "t2", UserID: "u1", UserText: "second"})

	got, err := s.RecentContext(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 1 || got[0].UserText != "second" {
		t.Fatalf("got = %#v, want most recent turn", got)
	}
}
