//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"enricher/internal/enrichment/models"
	"enricher/internal/enrichment/store"
	"enricher/pkg/platform/sentinel"
	"enricher/pkg/requestcontext"
	"enricher/pkg/testutil/containers"
)

const maxRetries = 3

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	now      time.Time
	ctx      context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "work_items"))
	s.now = time.Now().UTC().Truncate(time.Microsecond)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

// TestConcurrentClaimsAreDisjoint runs many claimers against the same backlog;
// SKIP LOCKED must hand every item to exactly one of them.
func (s *PostgresStoreSuite) TestConcurrentClaimsAreDisjoint() {
	keys := make([]string, 300)
	for i := range keys {
		keys[i] = uuid.NewString()
	}
	_, err := s.store.Enqueue(s.ctx, keys...)
	s.Require().NoError(err)

	const claimers = 12
	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := s.store.Claim(s.ctx, 20)
				s.NoError(err)
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					seen[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(seen, len(keys))
	for id, n := range seen {
		s.Equal(1, n, "item %s claimed %d times", id, n)
	}
}

func (s *PostgresStoreSuite) TestClaimOrderAndStamping() {
	ids, err := s.store.Enqueue(s.ctx, "first", "second", "third")
	s.Require().NoError(err)

	items, err := s.store.Claim(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(items, 2)
	s.Equal(ids[0], items[0].ID)
	s.Equal(ids[1], items[1].ID)
	s.Equal(models.StatusProcessing, items[0].Status)
	s.Require().NotNil(items[0].RequestedAt)
	s.WithinDuration(s.now, *items[0].RequestedAt, time.Millisecond)
	s.NotEqual(uuid.Nil, items[0].ClaimToken)
}

func (s *PostgresStoreSuite) TestFailTransitions() {
	_, err := s.store.Enqueue(s.ctx, "retry-me")
	s.Require().NoError(err)

	var status models.Status
	for i := 0; i <= maxRetries; i++ {
		items, err := s.store.Claim(s.ctx, 1)
		s.Require().NoError(err)
		s.Require().Len(items, 1)
		status, err = s.store.Fail(s.ctx, items[0].Ref(), []byte(`{"category":"timeout"}`), true, maxRetries)
		s.Require().NoError(err)
	}
	s.Equal(models.StatusError, status)

	ids, err := s.store.Enqueue(s.ctx, "bad-key")
	s.Require().NoError(err)
	items, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	status, err = s.store.Fail(s.ctx, items[0].Ref(), []byte(`{"category":"invalid_key"}`), false, maxRetries)
	s.Require().NoError(err)
	s.Equal(models.StatusManualReview, status)

	got, err := s.store.Get(s.ctx, ids[0])
	s.Require().NoError(err)
	s.Equal(0, got.RetryCount)
}

func (s *PostgresStoreSuite) TestLostClaimIsRejected() {
	_, err := s.store.Enqueue(s.ctx, "k")
	s.Require().NoError(err)
	items, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	stale := items[0]

	n, err := s.store.RecoverStuck(s.ctx, s.now.Add(time.Second), maxRetries)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	s.ErrorIs(s.store.Complete(s.ctx, stale.Ref(), []byte(`{}`)), sentinel.ErrConflict)
	_, err = s.store.Fail(s.ctx, stale.Ref(), nil, true, maxRetries)
	s.ErrorIs(err, sentinel.ErrConflict)
	s.ErrorIs(s.store.Complete(s.ctx, models.ClaimRef{ID: uuid.New(), Token: uuid.New()}, nil), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRecoverAndEscalateStuck() {
	threshold := s.now.Add(-10 * time.Minute)
	old := threshold.Add(-time.Minute)
	recent := threshold.Add(time.Minute)

	insert := func(retryCount int, requestedAt time.Time) uuid.UUID {
		item := &models.WorkItem{
			LookupKey:   "stuck",
			Status:      models.StatusProcessing,
			RetryCount:  retryCount,
			RequestedAt: &requestedAt,
			ClaimToken:  uuid.New(),
		}
		s.Require().NoError(s.store.Insert(s.ctx, item))
		return item.ID
	}
	stale := insert(0, old)
	fresh := insert(0, recent)
	exhausted := insert(maxRetries, old)

	n, err := s.store.RecoverStuck(s.ctx, threshold, maxRetries)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	n, err = s.store.RecoverStuck(s.ctx, threshold, maxRetries)
	s.Require().NoError(err)
	s.Equal(int64(0), n, "recovery is idempotent")

	got, err := s.store.Get(s.ctx, stale)
	s.Require().NoError(err)
	s.Equal(models.StatusReady, got.Status)
	s.Equal(1, got.RetryCount)

	got, err = s.store.Get(s.ctx, fresh)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, got.Status)

	got, err = s.store.Get(s.ctx, exhausted)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, got.Status)

	n, err = s.store.EscalateStuck(s.ctx, threshold, maxRetries, []byte(`{"category":"stuck_exhausted"}`))
	s.Require().NoError(err)
	s.Equal(int64(1), n)
	got, err = s.store.Get(s.ctx, exhausted)
	s.Require().NoError(err)
	s.Equal(models.StatusError, got.Status)
}

func (s *PostgresStoreSuite) TestCountByStatus() {
	_, err := s.store.Enqueue(s.ctx, "a", "b", "c")
	s.Require().NoError(err)
	items, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Complete(s.ctx, items[0].Ref(), []byte(`{"ok":true}`)))

	counts, err := s.store.CountByStatus(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), counts[models.StatusReady])
	s.Equal(int64(1), counts[models.StatusDone])
}

func (s *PostgresStoreSuite) TestEnqueueJoinsTransaction() {
	boom := errors.New("import aborted")
	err := s.store.WithinTx(s.ctx, func(ctx context.Context) error {
		_, err := s.store.Enqueue(ctx, "x", "y")
		s.Require().NoError(err)
		return boom
	})
	s.ErrorIs(err, boom)

	counts, err := s.store.CountByStatus(s.ctx)
	s.Require().NoError(err)
	s.Zero(counts[models.StatusReady], "rolled back enqueue must leave no items")

	err = s.store.WithinTx(s.ctx, func(ctx context.Context) error {
		_, err := s.store.Enqueue(ctx, "x", "y")
		return err
	})
	s.Require().NoError(err)
	counts, err = s.store.CountByStatus(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), counts[models.StatusReady])
}
