package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// MembersPrefix is the Redis key prefix for the set of identified
	// sessions in a room.
	MembersPrefix = "members:"
)

// Session is the registry entry for one connection.
type Session struct {
	ID         string `redis:"id"`
	Name       string `redis:"name"`        // empty until the identity call
	Room       string `redis:"room"`
	Server     string `redis:"server"`      // which server instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
	room       string
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr, serverName, room string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName, room: room}, nil
}

// Create stores a new anonymous session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"name":        "",
		"room":        s.room,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetName records the display name claimed by the session and adds it to the
// room's member set. A later call replaces the name.
func (s *Store) SetName(ctx context.Context, sessionID, name string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "name", name, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, MembersPrefix+s.room, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Members returns the IDs of identified sessions in the room.
func (s *Store) Members(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, MembersPrefix+s.room).Result()
}

// RefreshTTL extends the session's TTL and marks it active.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its room membership.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, MembersPrefix+s.room, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
