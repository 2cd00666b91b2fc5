package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoIdentity is returned when a request carries no resolvable identity.
var ErrNoIdentity = errors.New("identity: no resolvable identity")

// Resolver resolves an inbound HTTP request to a user ID. Implementations
// must return ErrNoIdentity (possibly wrapped) when the request is
// unauthenticated.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (string, error)
}

const (
	// TokenPrefix is the Redis key prefix for session-token -> user-id keys.
	TokenPrefix = "token:"

	// TokenTTL is the time-to-live for session tokens.
	TokenTTL = 24 * time.Hour
)

// Store resolves session tokens against Redis. The web tier writes
// token:<token> -> <user_id> at login; the gateway only reads.
type Store struct {
	client *redis.Client
}

// NewStore creates an identity store connected to Redis at addr. The
// connection is verified with a ping before the store is returned.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Resolve implements Resolver. The token is read from the "token" query
// parameter or, failing that, the session cookie.
func (s *Store) Resolve(ctx context.Context, r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if cookie, err := r.Cookie("session_token"); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return "", ErrNoIdentity
	}

	userID, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if err == redis.Nil {
		return "", ErrNoIdentity
	}
	if err != nil {
		return "", fmt.Errorf("identity: token lookup: %w", err)
	}
	if userID == "" {
		return "", ErrNoIdentity
	}
	return userID, nil
}

// Put stores a token -> user-id mapping with the standard TTL. Exposed for
// the web tier and for integration tests.
func (s *Store) Put(ctx context.Context, token, userID string) error {
	return s.client.Set(ctx, TokenPrefix+token, userID, TokenTTL).Err()
}

// Revoke deletes a token mapping.
func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, TokenPrefix+token).Err()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
