package directory

import (
	"context"
	"sort"
	"sync"

	"civicroute/internal/domain"
)

// Store persists authorities. Implementations return an error wrapping
// domain.ErrNotFound for unknown ids.
type Store interface {
	Get(ctx context.Context, id string) (domain.Authority, error)
	List(ctx context.Context) ([]domain.Authority, error)
	Put(ctx context.Context, a domain.Authority) error
	// CompareAndSetWorkload writes workload and bumps Version only when the
	// stored Version still equals version. ok is false on a mismatch.
	CompareAndSetWorkload(ctx context.Context, id string, version int64, workload int) (ok bool, err error)
}

// MemoryStore keeps authorities in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Authority
}

func NewMemoryStore(seed ...domain.Authority) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]domain.Authority, len(seed))}
	for _, a := range seed {
		s.byID[a.ID] = cloneAuthority(a)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return domain.Authority{}, domain.NotFoundError("authority", id)
	}
	return cloneAuthority(a), nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Authority, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, cloneAuthority(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, a domain.Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[a.ID]; ok {
		a.Version = prev.Version + 1
	}
	s.byID[a.ID] = cloneAuthority(a)
	return nil
}

func (s *MemoryStore) CompareAndSetWorkload(_ context.Context, id string, version int64, workload int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return false, domain.NotFoundError("authority", id)
	}
	if a.Version != version {
		return false, nil
	}
	a.Workload = workload
	a.Version++
	s.byID[id] = a
	return true, nil
}

func cloneAuthority(a domain.Authority) domain.Authority {
	if a.Specializations != nil {
		a.Specializations = append([]domain.Category(nil), a.Specializations...)
	}
	if a.SupervisorID != nil {
		v := *a.SupervisorID
		a.SupervisorID = &v
	}
	return a
}
