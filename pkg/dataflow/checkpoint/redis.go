package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints to Redis. Each run uses four keys under
// the store prefix:
//
//	<prefix><run>:data     hash   key -> checkpoint bytes
//	<prefix><run>:ts       hash   key -> RFC3339Nano save time
//	<prefix><run>:order    zset   key scored by sequence
//	<prefix><run>:seq      string sequence counter
//
// It suits multi-process deployments where a different worker may resume a
// suspended run.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool

	mu     sync.RWMutex
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Default: "dataflow:checkpoint:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisTTL expires a run's checkpoints ttl after its last save.
// Zero (the default) keeps them until deleted.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore connects to the Redis server at addr.
// Close closes the underlying client.
func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s := NewRedisStoreFromClient(client, opts...)
	s.owned = true
	return s
}

// NewRedisStoreFromClient wraps an existing client. Close leaves the client
// open; its owner closes it.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "dataflow:checkpoint:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) dataKey(runID string) string  { return s.prefix + runID + ":data" }
func (s *RedisStore) tsKey(runID string) string    { return s.prefix + runID + ":ts" }
func (s *RedisStore) orderKey(runID string) string { return s.prefix + runID + ":order" }
func (s *RedisStore) seqKey(runID string) string   { return s.prefix + runID + ":seq" }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, runID, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	seq, err := s.client.Incr(ctx, s.seqKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("save checkpoint: next sequence: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(runID), key, data)
		pipe.HSet(ctx, s.tsKey(runID), key, time.Now().UTC().Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, s.orderKey(runID), redis.Z{Score: float64(seq), Member: key})
		if s.ttl > 0 {
			for _, k := range []string{s.dataKey(runID), s.tsKey(runID), s.orderKey(runID), s.seqKey(runID)} {
				pipe.Expire(ctx, k, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, runID, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.HGet(ctx, s.dataKey(runID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, runID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	members, err := s.client.ZRangeWithScores(ctx, s.orderKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = fmt.Sprint(m.Member)
	}

	pipe := s.client.Pipeline()
	dataCmd := pipe.HMGet(ctx, s.dataKey(runID), keys...)
	tsCmd := pipe.HMGet(ctx, s.tsKey(runID), keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	datas, stamps := dataCmd.Val(), tsCmd.Val()

	infos := make([]Info, 0, len(keys))
	for i, key := range keys {
		info := Info{
			RunID:    runID,
			Key:      key,
			Sequence: int(members[i].Score),
		}
		if i < len(datas) {
			if v, ok := datas[i].(string); ok {
				info.Size = int64(len(v))
			}
		}
		if i < len(stamps) {
			if v, ok := stamps[i].(string); ok {
				info.Timestamp, _ = time.Parse(time.RFC3339Nano, v)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, runID, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey(runID), key)
		pipe.HDel(ctx, s.tsKey(runID), key)
		pipe.ZRem(ctx, s.orderKey(runID), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteRun implements Store.
func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.dataKey(runID), s.tsKey(runID), s.orderKey(runID), s.seqKey(runID)).Err(); err != nil {
		return fmt.Errorf("delete run checkpoints: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}
