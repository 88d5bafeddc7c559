package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/storage"
)

const entryColumns = `seq, id, aggregate_type, aggregate_id, shard, event_type, topic, payload, headers,
	status, attempt_count, next_attempt_at, claim_token, claim_expires_at, last_error, created_at, sent_at`

// SQL queries
const (
	createQuery = `
		INSERT INTO %s (id, aggregate_type, aggregate_id, shard, event_type, topic, payload, headers,
			status, attempt_count, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)`

	// An entry is claimable only while no older unsent entry of the same
	// aggregate exists. A dead entry blocks its aggregate until requeued.
	claimCandidatesQuery = `
		SELECT o.seq
		FROM %[1]s o
		WHERE o.status = ? AND o.next_attempt_at <= ?%[2]s
		  AND NOT EXISTS (
			SELECT 1 FROM %[1]s p
			WHERE p.aggregate_type = o.aggregate_type
			  AND p.aggregate_id = o.aggregate_id
			  AND p.seq < o.seq
			  AND p.status IN (?, ?, ?)
		  )
		ORDER BY o.created_at, o.seq
		LIMIT ?`

	claimQuery = `
		UPDATE %s
		SET status = ?, claim_token = ?, claim_owner = ?, claim_expires_at = ?,
			attempt_count = attempt_count + 1, updated_at = ?
		WHERE seq = ? AND status = ? AND next_attempt_at <= ?`

	fetchClaimedQuery = `SELECT ` + entryColumns + ` FROM %s WHERE claim_token = ? ORDER BY created_at, seq`

	markSentQuery = `
		UPDATE %s
		SET status = ?, sent_at = ?, claim_token = NULL, claim_owner = NULL, claim_expires_at = NULL,
			last_error = '', updated_at = ?
		WHERE seq = ? AND claim_token = ? AND status = ?`

	markRetryQuery = `
		UPDATE %s
		SET status = ?, next_attempt_at = ?, last_error = ?, claim_token = NULL, claim_owner = NULL,
			claim_expires_at = NULL, updated_at = ?
		WHERE seq = ? AND claim_token = ? AND status = ?`

	markDeadQuery = `
		UPDATE %s
		SET status = ?, last_error = ?, claim_token = NULL, claim_owner = NULL, claim_expires_at = NULL,
			updated_at = ?
		WHERE seq = ? AND claim_token = ? AND status = ?`

	releaseQuery = `
		UPDATE %s
		SET status = ?, attempt_count = CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END,
			claim_token = NULL, claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE seq = ? AND claim_token = ? AND status = ?`

	fetchExpiredQuery = `
		SELECT ` + entryColumns + `
		FROM %s
		WHERE status = ? AND claim_expires_at <= ?
		ORDER BY claim_expires_at, seq
		LIMIT ?`

	getEntryQuery = `SELECT ` + entryColumns + ` FROM %s WHERE id = ?`

	listDeadQuery = `SELECT ` + entryColumns + ` FROM %s WHERE status = ? ORDER BY updated_at, seq LIMIT ?`

	countByStatusQuery = `SELECT status, COUNT(*) FROM %s GROUP BY status`

	requeueQuery = `
		UPDATE %s
		SET status = ?, attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`

	deleteSentQuery = `DELETE FROM %s WHERE status = ? AND sent_at < ?`
)

// SQLStore is the database/sql implementation of storage.Store.
// CreateEntry joins the transaction carried by ctx; the relay side runs its
// own short statements.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	getter  *trmsql.CtxGetter
	logger  *zap.Logger
}

func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		getter:  trmsql.DefaultCtxGetter,
		logger:  logger,
	}
}

func (s *SQLStore) CreateEntry(ctx context.Context, entry *storage.EntryRecord) error {
	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return err
	}

	now := entry.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next := entry.NextAttemptAt
	if next.IsZero() {
		next = now
	}

	query := fmt.Sprintf(createQuery, tableEntries)
	res, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		entry.ID,
		entry.AggregateType,
		entry.AggregateID,
		entry.Shard,
		entry.EventType,
		entry.Topic,
		entry.Payload,
		headers,
		storage.StatusPending,
		toMillis(next),
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		if s.dialect.IsDuplicate(err) {
			return fmt.Errorf("outbox entry %s: %w", entry.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("failed to save outbox entry: %w", err)
	}

	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	entry.Status = storage.StatusPending
	entry.CreatedAt = fromMillis(toMillis(now))
	entry.NextAttemptAt = fromMillis(toMillis(next))
	return nil
}

func (s *SQLStore) ClaimBatch(ctx context.Context, req storage.ClaimRequest) ([]storage.EntryRecord, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	partition := ""
	args := []interface{}{storage.StatusPending, toMillis(now)}
	if req.PartitionCount > 0 {
		partition = " AND o.shard % ? = ?"
		args = append(args, req.PartitionCount, req.PartitionIndex)
	}
	args = append(args, storage.StatusPending, storage.StatusProcessing, storage.StatusDead, req.Limit)

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(claimCandidatesQuery, tableEntries, partition), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim candidates: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claim candidate: %w", err)
		}
		candidates = append(candidates, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error reading claim candidates: %w", err)
	}
	rows.Close()

	if len(candidates) == 0 {
		return nil, nil
	}

	token := uuid.NewString()
	expires := now.Add(req.LeaseTTL)
	claimStmt := fmt.Sprintf(claimQuery, tableEntries)
	claimed := 0
	for _, seq := range candidates {
		res, err := tx.ExecContext(ctx, claimStmt,
			storage.StatusProcessing, token, req.Owner, toMillis(expires), toMillis(now),
			seq, storage.StatusPending, toMillis(now),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim outbox entry %d: %w", seq, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed++
		}
	}
	if claimed == 0 {
		return nil, nil
	}

	rows, err = tx.QueryContext(ctx, fmt.Sprintf(fetchClaimedQuery, tableEntries), token)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed entries: %w", err)
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return entries, nil
}

func (s *SQLStore) MarkSent(ctx context.Context, claim storage.Claim, sentAt time.Time) error {
	query := fmt.Sprintf(markSentQuery, tableEntries)
	return s.execGuarded(ctx, "mark sent", query,
		storage.StatusSent, toMillis(sentAt), toMillis(sentAt),
		claim.Seq, claim.Token, storage.StatusProcessing,
	)
}

func (s *SQLStore) MarkRetry(ctx context.Context, claim storage.Claim, nextAttemptAt time.Time, lastError string, at time.Time) error {
	query := fmt.Sprintf(markRetryQuery, tableEntries)
	return s.execGuarded(ctx, "mark retry", query,
		storage.StatusPending, toMillis(nextAttemptAt), lastError, toMillis(at),
		claim.Seq, claim.Token, storage.StatusProcessing,
	)
}

func (s *SQLStore) MarkDead(ctx context.Context, claim storage.Claim, lastError string, at time.Time) error {
	query := fmt.Sprintf(markDeadQuery, tableEntries)
	return s.execGuarded(ctx, "mark dead", query,
		storage.StatusDead, lastError, toMillis(at),
		claim.Seq, claim.Token, storage.StatusProcessing,
	)
}

func (s *SQLStore) ReleaseClaim(ctx context.Context, claim storage.Claim, at time.Time) error {
	query := fmt.Sprintf(releaseQuery, tableEntries)
	return s.execGuarded(ctx, "release claim", query,
		storage.StatusPending, toMillis(at),
		claim.Seq, claim.Token, storage.StatusProcessing,
	)
}

func (s *SQLStore) execGuarded(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrLeaseLost
	}
	return nil
}

func (s *SQLStore) FetchExpiredClaims(ctx context.Context, now time.Time, limit int) ([]storage.EntryRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(fetchExpiredQuery, tableEntries), storage.StatusProcessing, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired claims: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLStore) GetEntry(ctx context.Context, id string) (storage.EntryRecord, error) {
	rows, err := s.getter.DefaultTrOrDB(ctx, s.db).QueryContext(ctx, fmt.Sprintf(getEntryQuery, tableEntries), id)
	if err != nil {
		return storage.EntryRecord{}, fmt.Errorf("failed to query outbox entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return storage.EntryRecord{}, err
	}
	if len(entries) == 0 {
		return storage.EntryRecord{}, fmt.Errorf("outbox entry %s: %w", id, storage.ErrNotFound)
	}
	return entries[0], nil
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, limit int) ([]storage.EntryRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(listDeadQuery, tableEntries), storage.StatusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[storage.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(countByStatusQuery, tableEntries))
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[storage.Status]int64)
	for rows.Next() {
		var (
			status storage.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) Requeue(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(requeueQuery, tableEntries),
		storage.StatusPending, toMillis(at), toMillis(at), id, storage.StatusDead)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter entry %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) DeleteSentEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(deleteSentQuery, tableEntries), storage.StatusSent, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete sent entries: %w", err)
	}
	return res.RowsAffected()
}

// EnsureTables создает таблицы, если они не существуют
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	return EnsureSchema(ctx, s.db, s.dialect)
}

func scanEntries(rows *sql.Rows) ([]storage.EntryRecord, error) {
	var entries []storage.EntryRecord
	for rows.Next() {
		var (
			entry          storage.EntryRecord
			headers        sql.NullString
			claimToken     sql.NullString
			claimExpiresAt sql.NullInt64
			lastError      sql.NullString
			sentAt         sql.NullInt64
			nextAttemptAt  int64
			createdAt      int64
		)
		if err := rows.Scan(
			&entry.Seq,
			&entry.ID,
			&entry.AggregateType,
			&entry.AggregateID,
			&entry.Shard,
			&entry.EventType,
			&entry.Topic,
			&entry.Payload,
			&headers,
			&entry.Status,
			&entry.AttemptCount,
			&nextAttemptAt,
			&claimToken,
			&claimExpiresAt,
			&lastError,
			&createdAt,
			&sentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}

		decoded, err := decodeHeaders(headers)
		if err != nil {
			return nil, fmt.Errorf("outbox entry %s: %w", entry.ID, err)
		}
		entry.Headers = decoded
		entry.NextAttemptAt = fromMillis(nextAttemptAt)
		entry.ClaimToken = claimToken.String
		entry.ClaimExpiresAt = fromNullMillis(claimExpiresAt)
		entry.LastError = lastError.String
		entry.CreatedAt = fromMillis(createdAt)
		entry.SentAt = fromNullMillis(sentAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading outbox rows: %w", err)
	}
	return entries, nil
}

func encodeHeaders(headers map[string]string) (sql.NullString, error) {
	if len(headers) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeHeaders(v sql.NullString) (map[string]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(v.String), &headers); err != nil {
		return nil, errors.Join(errors.New("failed to unmarshal headers"), err)
	}
	return headers, nil
}
