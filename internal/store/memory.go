package store

import (
	"context"
	"strings"
	"sync"

	"vetdesk/internal/domain"
)

// MemoryStore keeps cases in process memory for single-process deployments and tests.
// Params: case map, per-case locks and expert ref index.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*memoryEntry
	refs  map[string]string
}

type memoryEntry struct {
	mu sync.Mutex
	c  domain.EmergencyCase
}

// NewMemoryStore creates in-memory case store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases: make(map[string]*memoryEntry),
		refs:  make(map[string]string),
	}
}

// Create inserts a new case.
// Params: case in pending_review with assigned id.
// Returns: case id or ErrConflict when id already exists.
func (s *MemoryStore) Create(_ context.Context, c domain.EmergencyCase) (string, error) {
	if err := validateNew(c); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.CaseID]; exists {
		return "", conflict("case id %s already exists", c.CaseID)
	}
	s.cases[c.CaseID] = &memoryEntry{c: cloneCase(c)}
	if c.ExpertChannelRef != "" {
		s.refs[c.ExpertChannelRef] = c.CaseID
	}
	return c.CaseID, nil
}

// Get returns one case.
// Params: case id.
// Returns: case copy or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, caseID string) (domain.EmergencyCase, error) {
	entry, ok := s.entry(caseID)
	if !ok {
		return domain.EmergencyCase{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneCase(entry.c), nil
}

// Update applies mutator when stored status equals expected.
// Params: case id, expected status and mutator.
// Returns: updated case, ErrNotFound, ErrConflict or guard error.
func (s *MemoryStore) Update(_ context.Context, caseID string, expected domain.Status, mutate Mutator) (domain.EmergencyCase, error) {
	entry, ok := s.entry(caseID)
	if !ok {
		return domain.EmergencyCase{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	next, err := applyMutation(entry.c, expected, mutate)
	if err != nil {
		return domain.EmergencyCase{}, err
	}
	if next.ExpertChannelRef != "" && next.ExpertChannelRef != entry.c.ExpertChannelRef {
		s.mu.Lock()
		if owner, taken := s.refs[next.ExpertChannelRef]; taken && owner != caseID {
			s.mu.Unlock()
			return domain.EmergencyCase{}, conflict("expert ref %s already bound to case %s", next.ExpertChannelRef, owner)
		}
		s.refs[next.ExpertChannelRef] = caseID
		s.mu.Unlock()
	}
	entry.c = next
	return cloneCase(next), nil
}

// List returns cases filtered by status, ordered by creation time.
// Params: optional status filter.
// Returns: case copies.
func (s *MemoryStore) List(_ context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.cases))
	for _, entry := range s.cases {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	match := statusFilter(statuses)
	out := make([]domain.EmergencyCase, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		c := cloneCase(entry.c)
		entry.mu.Unlock()
		if match(c.Status) {
			out = append(out, c)
		}
	}
	sortCases(out)
	return out, nil
}

// FindByExpertRef resolves case by expert channel message ref.
// Params: message ref returned by ExpertChannel.Post.
// Returns: case copy or ErrNotFound.
func (s *MemoryStore) FindByExpertRef(ctx context.Context, ref string) (domain.EmergencyCase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.EmergencyCase{}, ErrNotFound
	}
	s.mu.RLock()
	caseID, ok := s.refs[ref]
	s.mu.RUnlock()
	if !ok {
		return domain.EmergencyCase{}, ErrNotFound
	}
	return s.Get(ctx, caseID)
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) entry(caseID string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cases[caseID]
	return entry, ok
}
