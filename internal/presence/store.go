package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// RecordTTL bounds how long a presence record survives without updates.
	// A crashed gateway therefore cannot leave identities online forever.
	RecordTTL = 5 * time.Minute
)

// Store mirrors presence records into Redis so that sibling gateway
// instances and the HTTP layer can read who is online without holding a
// connection to this process.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Set writes the identity's status and last-seen timestamp with a refreshed
// TTL.
func (s *Store) Set(ctx context.Context, userID, status string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, RecordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get reads the identity's mirrored record. Identities with no record are
// reported offline with a zero last-seen.
func (s *Store) Get(ctx context.Context, userID string) (Record, error) {
	key := KeyPrefix + userID
	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, err
	}
	if len(result) == 0 {
		return Record{UserID: userID, Status: StatusOffline}, nil
	}

	rec := Record{UserID: userID, Status: result["status"]}
	if ts, err := s.client.HGet(ctx, key, "last_seen").Int64(); err == nil {
		rec.LastSeen = time.Unix(ts, 0)
	}
	return rec, nil
}

// Delete removes the identity's mirrored record (last connection gone).
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}
