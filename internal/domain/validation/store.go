package validation

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Store persists validation records.  Implementations serialize writes per
// record so concurrent reviewer decisions apply one after another.
type Store interface {
	// Get returns the record for a unique input ID, or an
	// ErrCodeValidationRecordNotFound error.
	Get(ctx context.Context, uniqueInputID string) (*Record, error)
	// Put inserts or fully replaces a record.
	Put(ctx context.Context, record *Record) error
	// ListByStatus returns all records in a status ordered by unique input
	// ID.
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)
	// Update loads a record, applies fn under the per-record write lock,
	// and persists the result.  fn returning an error aborts the update.
	Update(ctx context.Context, uniqueInputID string, fn func(*Record) error) (*Record, error)
}

// MemoryStore is the in-process Store used by tests and the standalone CLI
// mode.  Postgres backs production deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, uniqueInputID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[uniqueInputID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeValidationRecordNotFound,
			"no validation record for input %s", uniqueInputID)
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) Put(_ context.Context, record *Record) error {
	if record == nil || record.UniqueInputID == "" {
		return apperrors.New(apperrors.ErrCodeBadRequest, "validation record has no unique input id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UniqueInputID] = cloneRecord(record)
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueInputID < out[j].UniqueInputID })
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, uniqueInputID string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[uniqueInputID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeValidationRecordNotFound,
			"no validation record for input %s", uniqueInputID)
	}
	updated := cloneRecord(r)
	if err := fn(updated); err != nil {
		return nil, err
	}
	s.records[uniqueInputID] = updated
	return cloneRecord(updated), nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.History != nil {
		c.History = make([]Event, len(r.History))
		copy(c.History, r.History)
	}
	if r.Hint != nil {
		hint := *r.Hint
		c.Hint = &hint
	}
	return &c
}
