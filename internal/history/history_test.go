package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/protocol"
)

// exerciseStore runs the behaviour every backend shares. The store must be
// empty and hold at most limit messages.
func exerciseStore(t *testing.T, s Store, limit int) {
	t.Helper()
	ctx := context.Background()

	msgs, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All on empty store: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected non-nil empty history, got %#v", msgs)
	}

	got, err := s.Append(ctx, protocol.Message{Author: "alice", Text: "hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(got) != 1 || got[0] != (protocol.Message{Author: "alice", Text: "hello"}) {
		t.Fatalf("unexpected history after first append: %+v", got)
	}

	for i := 1; i <= limit+2; i++ {
		if got, err = s.Append(ctx, protocol.Message{Author: "bob", Text: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if len(got) != limit {
		t.Fatalf("expected %d messages, got %d", limit, len(got))
	}
	// Should contain messages 3 through limit+2 in order.
	for i, msg := range got {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Text)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if !protocol.EqualHistory(all, got) {
		t.Errorf("All disagrees with last Append:\n all: %+v\n got: %+v", all, got)
	}
}

func TestMemory(t *testing.T) {
	s := NewMemory(5)
	defer s.Close()
	exerciseStore(t, s, 5)
}

func TestMemory_DefaultLimit(t *testing.T) {
	s := NewMemory(0)
	if len(s.items) != DefaultLimit {
		t.Fatalf("expected capacity %d, got %d", DefaultLimit, len(s.items))
	}
}

func TestMemory_SnapshotIsCopy(t *testing.T) {
	s := NewMemory(5)
	ctx := context.Background()

	got, _ := s.Append(ctx, protocol.Message{Author: "a", Text: "original"})
	got[0].Text = "mutated"

	all, _ := s.All(ctx)
	if all[0].Text != "original" {
		t.Errorf("store was mutated through a snapshot: %q", all[0].Text)
	}
}

func TestMemory_Closed(t *testing.T) {
	s := NewMemory(5)
	s.Close()

	if _, err := s.All(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from All, got %v", err)
	}
	if _, err := s.Append(context.Background(), protocol.Message{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Append, got %v", err)
	}
}

func TestMemory_ConcurrentAppend(t *testing.T) {
	s := NewMemory(50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.Append(ctx, protocol.Message{Author: fmt.Sprintf("g%d", g), Text: "x"})
			}
		}(g)
	}
	wg.Wait()

	all, _ := s.All(ctx)
	if len(all) != 50 {
		t.Errorf("expected 50 messages, got %d", len(all))
	}
}

// Tests below require a running Redis on localhost:6379.
func TestRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	room := "test_history"
	client.Del(ctx, KeyPrefix+room)
	t.Cleanup(func() {
		client.Del(ctx, KeyPrefix+room)
		client.Close()
	})

	exerciseStore(t, NewRedis(client, room, 5), 5)
}

// TestPostgres requires LIVECHAT_TEST_POSTGRES_DSN to point at a scratch
// database.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("LIVECHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVECHAT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	room := fmt.Sprintf("test_history_%d", os.Getpid())

	s, err := NewPostgres(ctx, dsn, room, 5)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() {
		s.db.ExecContext(ctx, `DELETE FROM messages WHERE room = $1`, room)
		s.Close()
	})

	exerciseStore(t, s, 5)

	// Migrations are idempotent.
	if err := Migrate(dsn); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
