package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/sentinel"
	"enricher/pkg/platform/tx"
	"enricher/pkg/requestcontext"
)

//go:embed schema.sql
var schemaSQL string

const itemColumns = `id, lookup_key, status, retry_count, requested_at, result_payload, error_payload, claim_token, created_at, updated_at`

// PostgresStore persists work items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed record store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx runs fn in one transaction. Enqueue and Insert calls made with the
// context passed to fn join it.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return tx.Run(ctx, s.db, fn)
}

// Migrate creates the work_items table and its indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate work items schema: %w", classify(err))
	}
	return nil
}

// Claim locks up to limit READY rows with SKIP LOCKED and flips them to
// PROCESSING in the same statement, so concurrent claimers never overlap.
func (s *PostgresStore) Claim(ctx context.Context, limit int) ([]*models.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := requestcontext.Now(ctx)
	token := uuid.New()
	query := `
		WITH picked AS (
			SELECT id FROM work_items
			WHERE status = 'READY'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE work_items w
		SET status = 'PROCESSING', requested_at = $2, claim_token = $3, updated_at = $2
		FROM picked
		WHERE w.id = picked.id
		RETURNING ` + prefixed("w.", itemColumns)

	rows, err := s.db.QueryContext(ctx, query, limit, now, token)
	if err != nil {
		return nil, fmt.Errorf("claim work items: %w", classify(err))
	}
	defer rows.Close()

	items := make([]*models.WorkItem, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed work items: %w", classify(err))
	}
	slices.SortFunc(items, func(a, b *models.WorkItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return items, nil
}

func (s *PostgresStore) Complete(ctx context.Context, ref models.ClaimRef, result []byte) error {
	query := `
		UPDATE work_items
		SET status = 'DONE', result_payload = $3, error_payload = NULL, claim_token = NULL, updated_at = $4
		WHERE id = $1 AND claim_token = $2 AND status = 'PROCESSING'
	`
	res, err := s.db.ExecContext(ctx, query, ref.ID, ref.Token, result, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("complete work item: %w", classify(err))
	}
	if err := s.expectOne(ctx, res, ref.ID); err != nil {
		return fmt.Errorf("complete work item: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, ref models.ClaimRef, errPayload []byte, retryable bool, maxRetries int) (models.Status, error) {
	query := `
		UPDATE work_items
		SET status = CASE
				WHEN NOT $3::boolean THEN 'MANUAL_REVIEW'
				WHEN retry_count < $4::integer THEN 'READY'
				ELSE 'ERROR'
			END,
			retry_count = CASE
				WHEN $3::boolean AND retry_count < $4::integer THEN retry_count + 1
				ELSE retry_count
			END,
			error_payload = $5,
			claim_token = NULL,
			updated_at = $6
		WHERE id = $1 AND claim_token = $2 AND status = 'PROCESSING'
		RETURNING status
	`
	var status string
	err := s.db.QueryRowContext(ctx, query, ref.ID, ref.Token, retryable, maxRetries, errPayload, requestcontext.Now(ctx)).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("fail work item: %w", s.missingOrLost(ctx, ref.ID))
		}
		return "", fmt.Errorf("fail work item: %w", classify(err))
	}
	return models.Status(status), nil
}

func (s *PostgresStore) Release(ctx context.Context, ref models.ClaimRef, note []byte) error {
	query := `
		UPDATE work_items
		SET status = 'READY', error_payload = COALESCE($3, error_payload), claim_token = NULL, updated_at = $4
		WHERE id = $1 AND claim_token = $2 AND status = 'PROCESSING'
	`
	res, err := s.db.ExecContext(ctx, query, ref.ID, ref.Token, note, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("release work item: %w", classify(err))
	}
	if err := s.expectOne(ctx, res, ref.ID); err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecoverStuck(ctx context.Context, olderThan time.Time, maxRetries int) (int64, error) {
	query := `
		UPDATE work_items
		SET status = 'READY', retry_count = retry_count + 1, claim_token = NULL, updated_at = $3
		WHERE status = 'PROCESSING' AND requested_at < $1 AND retry_count < $2
	`
	res, err := s.db.ExecContext(ctx, query, olderThan, maxRetries, requestcontext.Now(ctx))
	if err != nil {
		return 0, fmt.Errorf("recover stuck work items: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stuck work items: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) EscalateStuck(ctx context.Context, olderThan time.Time, maxRetries int, errPayload []byte) (int64, error) {
	query := `
		UPDATE work_items
		SET status = 'ERROR', error_payload = $3, claim_token = NULL, updated_at = $4
		WHERE status = 'PROCESSING' AND requested_at < $1 AND retry_count >= $2
	`
	res, err := s.db.ExecContext(ctx, query, olderThan, maxRetries, errPayload, requestcontext.Now(ctx))
	if err != nil {
		return 0, fmt.Errorf("escalate stuck work items: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("escalate stuck work items: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count work items by status: %w", classify(err))
	}
	defer rows.Close()

	counts := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", classify(err))
	}
	return counts, nil
}

// Enqueue inserts all keys in one round trip using unnest.
func (s *PostgresStore) Enqueue(ctx context.Context, lookupKeys ...string) ([]uuid.UUID, error) {
	if len(lookupKeys) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(lookupKeys))
	idStrings := make([]string, len(lookupKeys))
	for i := range lookupKeys {
		ids[i] = uuid.New()
		idStrings[i] = ids[i].String()
	}
	now := requestcontext.Now(ctx)

	// WITH ORDINALITY keeps created_at ordering equal to argument order.
	query := `
		INSERT INTO work_items (id, lookup_key, status, created_at, updated_at)
		SELECT t.id::uuid, t.key, 'READY', $3::timestamptz + (t.n - 1) * interval '1 microsecond', $3
		FROM unnest($1::text[], $2::text[]) WITH ORDINALITY AS t(id, key, n)
	`
	if _, err := tx.Or(ctx, s.db).ExecContext(ctx, query, pq.Array(idStrings), pq.Array(lookupKeys), now); err != nil {
		return nil, fmt.Errorf("enqueue work items: %w", classify(err))
	}
	return ids, nil
}

func (s *PostgresStore) Insert(ctx context.Context, item *models.WorkItem) error {
	if item == nil {
		return fmt.Errorf("insert work item: item is required")
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := requestcontext.Now(ctx)
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var token uuid.NullUUID
	if item.ClaimToken != uuid.Nil {
		token = uuid.NullUUID{UUID: item.ClaimToken, Valid: true}
	}
	query := `INSERT INTO work_items (` + itemColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := tx.Or(ctx, s.db).ExecContext(ctx, query,
		item.ID, item.LookupKey, string(item.Status), item.RetryCount, item.RequestedAt,
		item.ResultPayload, item.ErrorPayload, token, createdAt, updatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert work item %s: %w", item.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert work item: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get work item %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get work item: %w", classify(err))
	}
	return item, nil
}

// expectOne maps a zero-row conditional update to not-found or lost-claim.
func (s *PostgresStore) expectOne(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrLost(ctx, id)
}

func (s *PostgresStore) missingOrLost(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM work_items WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return classify(err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.WorkItem, error) {
	var (
		item        models.WorkItem
		status      string
		requestedAt sql.NullTime
		token       uuid.NullUUID
	)
	err := row.Scan(
		&item.ID, &item.LookupKey, &status, &item.RetryCount, &requestedAt,
		&item.ResultPayload, &item.ErrorPayload, &token, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = models.Status(status)
	if requestedAt.Valid {
		t := requestedAt.Time
		item.RequestedAt = &t
	}
	if token.Valid {
		item.ClaimToken = token.UUID
	}
	return &item, nil
}

// classify marks connectivity failures with sentinel.ErrUnavailable so callers
// can tell a lost database from a bad statement.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}
