package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "pv:job:"
)

// Store はジョブ状態の保存先です。
type Store interface {
	Get(ctx context.Context, jobID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	MarkDone(ctx context.Context, jobID string, downloadURL string, meta any) error
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
}

// RedisStore はジョブ状態を Redis に TTL 付きで保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *RedisStore) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	stamp(record, s.ttl, time.Now().UTC())
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// UpdateProgress は進捗を更新します。
func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusRunning
		record.Progress = progress
	})
}

// MarkDone はジョブ完了時の情報を保存します。
func (s *RedisStore) MarkDone(ctx context.Context, jobID string, downloadURL string, meta any) error {
	return s.updatePartial(ctx, jobID, func(record *Record) { markDone(record, downloadURL, meta) })
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *RedisStore) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) { markFailed(record, errInfo) })
}

// updatePartial は WATCH による楽観ロックで読み込み・変更・書き込みを行います。
func (s *RedisStore) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrNotFound, jobID)
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			mutate(&record)
			record.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// MemoryStore は Redis を使わないローカル実行向けの Store です。
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
}

// NewMemoryStore は MemoryStore を作成します。ttl が正なら期限切れのレコードは見えなくなります。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok || (!record.ExpiresAt.IsZero() && s.now().After(record.ExpiresAt)) {
		delete(s.records, jobID)
		return nil, ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) Upsert(_ context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(record, s.ttl, s.now().UTC())
	s.records[record.JobID] = *record
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.update(jobID, func(record *Record) {
		record.Status = StatusRunning
		record.Progress = progress
	})
}

func (s *MemoryStore) MarkDone(_ context.Context, jobID string, downloadURL string, meta any) error {
	return s.update(jobID, func(record *Record) { markDone(record, downloadURL, meta) })
}

func (s *MemoryStore) MarkFailed(_ context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.update(jobID, func(record *Record) { markFailed(record, errInfo) })
}

func (s *MemoryStore) update(jobID string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	mutate(&record)
	record.UpdatedAt = s.now().UTC()
	s.records[jobID] = record
	return nil
}

func stamp(record *Record, ttl time.Duration, now time.Time) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(ttl)
	}
}

func markDone(record *Record, downloadURL string, meta any) {
	record.Status = StatusSucceeded
	record.Progress = ProgressInfo{
		Percent: 100,
		Stage:   "completed",
	}
	record.DownloadURL = downloadURL
	record.Meta = meta
	record.Error = nil
}

func markFailed(record *Record, errInfo *ErrorInfo) {
	record.Status = StatusFailed
	if errInfo != nil {
		record.Error = errInfo
	}
}
