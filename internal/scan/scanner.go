package scan

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Scanner is the interface every malware backend implements.
type Scanner interface {
	// ID returns a unique, stable identifier persisted on scan_results
	ID() string

	// Timeout bounds a single ScanBuffer call
	Timeout() time.Duration

	// ScanBuffer inspects data. Errors exclude the backend from consensus;
	// they never mean "infected".
	ScanBuffer(ctx context.Context, data []byte) (*Detection, error)

	// Health checks if the backend is available
	Health(ctx context.Context) error
}

// Registry maintains the registered backends. It is safe for concurrent use
// so backends can be added while scans run.
type Registry struct {
	mu       sync.RWMutex
	scanners map[string]Scanner
}

func NewRegistry() *Registry {
	return &Registry{scanners: make(map[string]Scanner)}
}

// Register adds a backend. IDs must be unique and may not collide with the
// consensus row.
func (r *Registry) Register(s Scanner) error {
	sid := s.ID()
	if sid == "" || strings.EqualFold(sid, ConsensusScannerID) {
		return fmt.Errorf("invalid scanner id %q", sid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scanners[sid]; exists {
		return fmt.Errorf("%w: %s", ErrScannerRegistered, sid)
	}
	r.scanners[sid] = s
	return nil
}

func (r *Registry) Get(sid string) (Scanner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[sid]
	return s, ok
}

// All returns the backends ordered by ID.
func (r *Registry) All() []Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scanner, 0, len(r.scanners))
	for _, s := range r.scanners {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Scanner) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scanners)
}
