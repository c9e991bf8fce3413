package viewer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// ViewState は文書ごとに保存される最後の表示状態です。
type ViewState struct {
	Start    int     `json:"start"`
	End      int     `json:"end"`
	Scale    float64 `json:"scale"`
	Rotation int     `json:"rotation"`
}

// MetadataStore は表示状態の保存先です。キーは文書のパスです。
type MetadataStore interface {
	Load(ctx context.Context, path string) (ViewState, bool, error)
	Save(ctx context.Context, path string, state ViewState) error
}

const metaKeyPrefix = "pv:meta:"

func metaKey(path string) string {
	return fmt.Sprintf("%s%016x", metaKeyPrefix, xxhash.Sum64String(path))
}

// RedisMetadata は表示状態を Redis のハッシュに保存します。
type RedisMetadata struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMetadata は RedisMetadata を作成します。ttl が 0 なら期限なしで保存します。
func NewRedisMetadata(rdb *redis.Client, ttl time.Duration) *RedisMetadata {
	return &RedisMetadata{rdb: rdb, ttl: ttl}
}

func (m *RedisMetadata) Load(ctx context.Context, path string) (ViewState, bool, error) {
	vals, err := m.rdb.HGetAll(ctx, metaKey(path)).Result()
	if err != nil {
		return ViewState{}, false, err
	}
	if len(vals) == 0 {
		return ViewState{}, false, nil
	}
	var st ViewState
	st.Start, _ = strconv.Atoi(vals["start"])
	st.End, _ = strconv.Atoi(vals["end"])
	st.Rotation, _ = strconv.Atoi(vals["rotation"])
	st.Scale, err = strconv.ParseFloat(vals["scale"], 64)
	if err != nil || st.Scale <= 0 {
		st.Scale = 1
	}
	return st, true, nil
}

func (m *RedisMetadata) Save(ctx context.Context, path string, st ViewState) error {
	key := metaKey(path)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, "start", st.Start, "end", st.End, "scale", st.Scale, "rotation", st.Rotation)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MemoryMetadata はプロセス内に表示状態を保持します。
type MemoryMetadata struct {
	mu     sync.Mutex
	states map[string]ViewState
}

func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{states: make(map[string]ViewState)}
}

func (m *MemoryMetadata) Load(_ context.Context, path string) (ViewState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[metaKey(path)]
	return st, ok, nil
}

func (m *MemoryMetadata) Save(_ context.Context, path string, st ViewState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[metaKey(path)] = st
	return nil
}
