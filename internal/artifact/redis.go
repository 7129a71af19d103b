package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the pipeline as a JSON document under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store using key on client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Save overwrites the key with tp.
func (s *RedisStore) Save(ctx context.Context, tp *TrainedPipeline) error {
	b, err := Marshal(tp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, b, 0).Err()
}

// Load reads the pipeline stored under the key.
func (s *RedisStore) Load(ctx context.Context) (*TrainedPipeline, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: redis key %s", ErrArtifactNotFound, s.key)
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}
