package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/swarmflow/types"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:      "localhost",
		Port:      6379,
		PoolSize:  10,
		KeyPrefix: "swarmflow:",
	}
}

// casScript swaps the stored state only when the stored version matches.
// Running it server-side makes the version check and the write atomic with
// respect to concurrent writers.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
local curv = cjson.decode(cur)['version']
if curv ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments. State lives in plain
// keys; snapshots in a per-workflow sorted set scored by version.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed state store and verifies connectivity.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultRedisConfig().KeyPrefix
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client (used in tests with
// miniredis).
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) stateKey(workflowID string) string {
	return s.keyPrefix + "state:" + workflowID
}

func (s *RedisStore) snapshotKey(workflowID string) string {
	return s.keyPrefix + "snapshot:" + workflowID
}

// Create stores the initial state record.
func (s *RedisStore) Create(ctx context.Context, state *types.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.stateKey(state.WorkflowID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Get returns a copy of the current state.
func (s *RedisStore) Get(ctx context.Context, workflowID string) (*types.WorkflowState, error) {
	data, err := s.client.Get(ctx, s.stateKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var state types.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state %q: %w", workflowID, err)
	}
	return &state, nil
}

// CompareAndSwap replaces the stored state if the version matches.
func (s *RedisStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.WorkflowState) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{s.stateKey(next.WorkflowID)}, expectedVersion, data).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrVersionMismatch
	default:
		return nil
	}
}

// SaveSnapshot records a durable snapshot.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.ZAdd(ctx, s.snapshotKey(snap.WorkflowID), redis.Z{
		Score:  float64(snap.Version),
		Member: data,
	}).Err()
}

// LatestSnapshot returns the highest-version snapshot for a workflow.
func (s *RedisStore) LatestSnapshot(ctx context.Context, workflowID string) (*Snapshot, error) {
	members, err := s.client.ZRevRange(ctx, s.snapshotKey(workflowID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNoSnapshot
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %q: %w", workflowID, err)
	}
	return &snap, nil
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
