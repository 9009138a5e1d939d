package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record 审批请求及其结果
type Record struct {
	Request    Request    `json:"request"`
	Status     Status     `json:"status"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store 审批记录存储
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, requestID string) (*Record, error)
	List(ctx context.Context, runID string, status Status) ([]*Record, error)
	Update(ctx context.Context, rec *Record) error
}

// MemoryStore 内存存储
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Request.ID] = &cp
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, requestID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, fmt.Errorf("approval request not found: %s", requestID)
	}
	cp := *rec
	return &cp, nil
}

// List 按创建时间排序返回记录；runID、status 为空表示不过滤
func (s *MemoryStore) List(ctx context.Context, runID string, status Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.records {
		if (runID == "" || rec.Request.RunID == runID) &&
			(status == "" || rec.Status == status) {
			cp := *rec
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Request.CreatedAt.Before(results[j].Request.CreatedAt)
	})
	return results, nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	return s.Save(ctx, rec)
}
