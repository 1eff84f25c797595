package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/sentinel"
	"enricher/pkg/requestcontext"
)

// InMemoryStore implements Store behind a single mutex. Suitable for tests and
// single-instance runs without DATABASE_URL; state is lost on restart.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*memoryRecord
	seq   int64
}

type memoryRecord struct {
	item models.WorkItem
	seq  int64 // insertion order, breaks created_at ties
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[uuid.UUID]*memoryRecord),
	}
}

func (s *InMemoryStore) Claim(ctx context.Context, limit int) ([]*models.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make([]*memoryRecord, 0)
	for _, rec := range s.items {
		if rec.item.Status == models.StatusReady {
			ready = append(ready, rec)
		}
	}
	slices.SortFunc(ready, func(a, b *memoryRecord) int {
		if c := a.item.CreatedAt.Compare(b.item.CreatedAt); c != 0 {
			return c
		}
		return int(a.seq - b.seq)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	claimed := make([]*models.WorkItem, 0, len(ready))
	for _, rec := range ready {
		requestedAt := now
		rec.item.Status = models.StatusProcessing
		rec.item.RequestedAt = &requestedAt
		rec.item.ClaimToken = uuid.New()
		rec.item.UpdatedAt = now
		claimed = append(claimed, cloneItem(&rec.item))
	}
	return claimed, nil
}

func (s *InMemoryStore) Complete(ctx context.Context, ref models.ClaimRef, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.heldLocked(ref)
	if err != nil {
		return fmt.Errorf("complete work item: %w", err)
	}
	rec.item.Status = models.StatusDone
	rec.item.ResultPayload = slices.Clone(result)
	rec.item.ErrorPayload = nil
	rec.item.ClaimToken = uuid.Nil
	rec.item.UpdatedAt = requestcontext.Now(ctx)
	return nil
}

func (s *InMemoryStore) Fail(ctx context.Context, ref models.ClaimRef, errPayload []byte, retryable bool, maxRetries int) (models.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.heldLocked(ref)
	if err != nil {
		return "", fmt.Errorf("fail work item: %w", err)
	}
	status, retryCount := failTransition(rec.item.RetryCount, retryable, maxRetries)
	rec.item.Status = status
	rec.item.RetryCount = retryCount
	rec.item.ErrorPayload = slices.Clone(errPayload)
	rec.item.ClaimToken = uuid.Nil
	rec.item.UpdatedAt = requestcontext.Now(ctx)
	return status, nil
}

func (s *InMemoryStore) Release(ctx context.Context, ref models.ClaimRef, note []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.heldLocked(ref)
	if err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	rec.item.Status = models.StatusReady
	if note != nil {
		rec.item.ErrorPayload = slices.Clone(note)
	}
	rec.item.ClaimToken = uuid.Nil
	rec.item.UpdatedAt = requestcontext.Now(ctx)
	return nil
}

func (s *InMemoryStore) RecoverStuck(ctx context.Context, olderThan time.Time, maxRetries int) (int64, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.items {
		if !isStuck(&rec.item, olderThan) || rec.item.RetryCount >= maxRetries {
			continue
		}
		rec.item.Status = models.StatusReady
		rec.item.RetryCount++
		rec.item.ClaimToken = uuid.Nil
		rec.item.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *InMemoryStore) EscalateStuck(ctx context.Context, olderThan time.Time, maxRetries int, errPayload []byte) (int64, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.items {
		if !isStuck(&rec.item, olderThan) || rec.item.RetryCount < maxRetries {
			continue
		}
		rec.item.Status = models.StatusError
		rec.item.ErrorPayload = slices.Clone(errPayload)
		rec.item.ClaimToken = uuid.Nil
		rec.item.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context) (map[models.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.Status]int64)
	for _, rec := range s.items {
		counts[rec.item.Status]++
	}
	return counts, nil
}

func (s *InMemoryStore) Enqueue(ctx context.Context, lookupKeys ...string) ([]uuid.UUID, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(lookupKeys))
	for _, key := range lookupKeys {
		id := uuid.New()
		s.insertLocked(models.WorkItem{
			ID:        id,
			LookupKey: key,
			Status:    models.StatusReady,
			CreatedAt: now,
			UpdatedAt: now,
		})
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *InMemoryStore) Insert(ctx context.Context, item *models.WorkItem) error {
	if item == nil {
		return fmt.Errorf("insert work item: item is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("insert work item %s: %w", item.ID, sentinel.ErrConflict)
	}
	cp := *cloneItem(item)
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = requestcontext.Now(ctx)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.insertLocked(cp)
	item.ID = cp.ID
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("get work item %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneItem(&rec.item), nil
}

func (s *InMemoryStore) insertLocked(item models.WorkItem) {
	s.seq++
	s.items[item.ID] = &memoryRecord{item: item, seq: s.seq}
}

// heldLocked returns the record only while the caller's claim still owns it.
func (s *InMemoryStore) heldLocked(ref models.ClaimRef) (*memoryRecord, error) {
	rec, ok := s.items[ref.ID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if rec.item.Status != models.StatusProcessing || rec.item.ClaimToken != ref.Token {
		return nil, sentinel.ErrConflict
	}
	return rec, nil
}

func isStuck(item *models.WorkItem, olderThan time.Time) bool {
	return item.Status == models.StatusProcessing &&
		item.RequestedAt != nil &&
		item.RequestedAt.Before(olderThan)
}

func cloneItem(item *models.WorkItem) *models.WorkItem {
	cp := *item
	if item.RequestedAt != nil {
		t := *item.RequestedAt
		cp.RequestedAt = &t
	}
	cp.ResultPayload = slices.Clone(item.ResultPayload)
	cp.ErrorPayload = slices.Clone(item.ErrorPayload)
	return &cp
}
