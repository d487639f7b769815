package attemptlog

import (
	"context"
	"sync"
)

// Repository is the port for persisting attempt rows. The table is
// append-only.
type Repository interface {
	Save(ctx context.Context, a *Attempt) error
	List(ctx context.Context, key string) ([]Attempt, error)
}

// MemoryRepository keeps attempts in process. Used by tests and when no
// database path is configured.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []Attempt
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Save(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *a)
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, key string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, r := range m.rows {
		if r.Key == key {
			out = append(out, r)
		}
	}
	return out, nil
}
