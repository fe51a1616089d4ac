package memory

import (
	"context"
	"sync"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

var _ scanning.ResultRepository = (*ResultRepository)(nil)

// ResultRepository stores scan results keyed by request id, evicting the
// oldest once capacity is reached.
type ResultRepository struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	results  map[string]scanning.ScanResult
}

// NewResultRepository creates a repository holding at most capacity results.
func NewResultRepository(capacity int) *ResultRepository {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &ResultRepository{
		capacity: capacity,
		results:  make(map[string]scanning.ScanResult),
	}
}

// Save stores a copy of the result.
func (r *ResultRepository) Save(ctx context.Context, result scanning.ScanResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.results[result.RequestID]; !exists {
		r.order = append(r.order, result.RequestID)
	}
	r.results[result.RequestID] = result.Clone()

	for len(r.order) > r.capacity {
		delete(r.results, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

// Get returns a copy of the stored result.
func (r *ResultRepository) Get(ctx context.Context, requestID string) (scanning.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ScanResult{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.results[requestID]
	if !ok {
		return scanning.ScanResult{}, scanning.ErrResultNotFound
	}
	return res.Clone(), nil
}
