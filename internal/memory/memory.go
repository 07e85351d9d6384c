// Package memory persists the final user/assistant exchange of each task.
package memory

import (
	"context"
	"sync"
	"time"
)

// Exchange is one request and the answer given to it.
type Exchange struct {
	TaskID    string    `json:"task_id"`
	Workspace string    `json:"workspace"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Save(ctx context.Context, ex Exchange) error
	// Recent returns up to n exchanges for a workspace, oldest first.
	Recent(ctx context.Context, workspace string, n int) ([]Exchange, error)
}

// InMemoryStore keeps the last Limit exchanges per workspace.
type InMemoryStore struct {
	Limit int

	mu   sync.Mutex
	data map[string][]Exchange
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = 100
	}
	return &InMemoryStore{Limit: limit, data: map[string][]Exchange{}}
}

func (s *InMemoryStore) Save(ctx context.Context, ex Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.data[ex.Workspace], ex)
	if len(list) > s.Limit {
		list = append([]Exchange(nil), list[len(list)-s.Limit:]...)
	}
	s.data[ex.Workspace] = list
	return nil
}

func (s *InMemoryStore) Recent(ctx context.Context, workspace string, n int) ([]Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.data[workspace]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]Exchange(nil), list...), nil
}
