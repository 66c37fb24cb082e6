package oauthstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/wallet-bridge/internal/model"
)

// ErrStateNotFound covers unknown, expired and already consumed states.
var ErrStateNotFound = errors.New("oauth state not found or expired")

const keyPrefix = "oauth_state:"

// Entry ties an OAuth redirect back to the user who started it.
type Entry struct {
	UserID   string         `json:"user_id"`
	Provider model.Provider `json:"provider"`
}

// Store keeps OAuth states in Redis until they expire or are consumed.
type Store struct {
	rdb      *redis.Client
	ttl      time.Duration
	newState func() string
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl, newState: uuid.NewString}
}

// Issue records a fresh state token for userID and provider.
func (s *Store) Issue(ctx context.Context, userID string, p model.Provider) (string, error) {
	state := s.newState()
	b, err := json.Marshal(Entry{UserID: userID, Provider: p})
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, keyPrefix+state, string(b), s.ttl).Err(); err != nil {
		return "", err
	}
	return state, nil
}

// Consume returns the entry for state and deletes it. Only the caller whose
// delete removed the key gets the entry, so a state is usable once.
func (s *Store) Consume(ctx context.Context, state string) (*Entry, error) {
	if state == "" {
		return nil, ErrStateNotFound
	}
	key := keyPrefix + state
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrStateNotFound
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
