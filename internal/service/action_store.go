package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dublarpro/jobwatch/internal/model"
)

// ErrActionNotFound is returned for unknown or expired action requests.
var ErrActionNotFound = errors.New("action not found")

const actionRetention = 24 * time.Hour

// ActionStore keeps action records for status lookups.
type ActionStore interface {
	Save(ctx context.Context, rec *model.ActionRecord) error
	Get(ctx context.Context, requestID string) (*model.ActionRecord, error)
}

type redisActionStore struct {
	redis *redis.Client
}

// NewRedisActionStore stores records under "action:{requestId}" for a day, so
// the server and the worker process see the same state.
func NewRedisActionStore(redisClient *redis.Client) ActionStore {
	return &redisActionStore{redis: redisClient}
}

func (s *redisActionStore) Save(ctx context.Context, rec *model.ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, actionKey(rec.RequestID), data, actionRetention).Err()
}

func (s *redisActionStore) Get(ctx context.Context, requestID string) (*model.ActionRecord, error) {
	data, err := s.redis.Get(ctx, actionKey(requestID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrActionNotFound
		}
		return nil, err
	}

	var rec model.ActionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func actionKey(requestID string) string {
	return fmt.Sprintf("action:%s", requestID)
}

type memoryActionStore struct {
	mu      sync.Mutex
	records map[string]model.ActionRecord
	now     func() time.Time
}

// NewMemoryActionStore keeps records in process for a day.
func NewMemoryActionStore() ActionStore {
	return &memoryActionStore{
		records: make(map[string]model.ActionRecord),
		now:     time.Now,
	}
}

func (s *memoryActionStore) Save(ctx context.Context, rec *model.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-actionRetention)
	for id, r := range s.records {
		if r.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
		}
	}
	s.records[rec.RequestID] = *rec
	return nil
}

func (s *memoryActionStore) Get(ctx context.Context, requestID string) (*model.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok || rec.UpdatedAt.Before(s.now().Add(-actionRetention)) {
		return nil, ErrActionNotFound
	}
	return &rec, nil
}
