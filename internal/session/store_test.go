package session

import (
	"context"
	"testing"
)

// newTestStore requires a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("localhost:6379", "test-server", "test_room")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	ctx := context.Background()
	s.client.Del(ctx, MembersPrefix+"test_room")
	t.Cleanup(func() {
		iter := s.client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			s.client.Del(ctx, iter.Val())
		}
		s.client.Del(ctx, MembersPrefix+"test_room")
		s.Close()
	})
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "test_a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "test_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.ID != "test_a" || got.Name != "" || got.Server != "test-server" || got.Room != "test_room" {
		t.Errorf("unexpected session: %+v", got)
	}
	if ttl := s.client.TTL(ctx, SessionPrefix+"test_a").Val(); ttl <= 0 || ttl > SessionTTL {
		t.Errorf("unexpected TTL %s", ttl)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestSetNameAndMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, "test_a")
	s.Create(ctx, "test_b")
	if err := s.SetName(ctx, "test_a", "alice"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	if err := s.SetName(ctx, "test_a", "alicia"); err != nil {
		t.Fatalf("SetName again: %v", err)
	}

	got, _ := s.Get(ctx, "test_a")
	if got.Name != "alicia" {
		t.Errorf("expected latest name alicia, got %q", got.Name)
	}
	members, err := s.Members(ctx)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0] != "test_a" {
		t.Errorf("expected only test_a to be a member, got %v", members)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, "test_a")
	s.SetName(ctx, "test_a", "alice")
	if err := s.Delete(ctx, "test_a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Get(ctx, "test_a"); got != nil {
		t.Errorf("expected session to be gone, got %+v", got)
	}
	if members, _ := s.Members(ctx); len(members) != 0 {
		t.Errorf("expected no members, got %v", members)
	}
}
