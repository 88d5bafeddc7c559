package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate key")
	// ErrLeaseLost is returned when a claim token no longer owns the entry.
	// Another relay instance has taken it over after the lease expired.
	ErrLeaseLost = errors.New("outbox lease lost")
	// ErrStaleVersion is returned when an optimistic update lost the race.
	ErrStaleVersion = errors.New("stale aggregate version")
)

// DBTX - общий интерфейс *sql.DB и *sql.Tx
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Status is the lifecycle state of an outbox entry.
type Status int

const (
	StatusPending    Status = 0
	StatusSent       Status = 1
	StatusDead       Status = 3
	StatusProcessing Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDead:
		return "dead"
	case StatusProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// ShardCount is the number of logical shards an aggregate id hashes into.
const ShardCount = 1024

// Claim identifies a leased entry. Every state change after the claim is
// guarded by the token.
type Claim struct {
	Seq   int64
	Token string
}

// ClaimRequest selects the entries a relay instance leases in one batch.
type ClaimRequest struct {
	Owner    string
	Limit    int
	Now      time.Time
	LeaseTTL time.Duration

	// Partition restricts the claim to shard % PartitionCount == PartitionIndex
	// when PartitionCount > 0.
	PartitionCount int
	PartitionIndex int
}

// Store определяет операции outbox-хранилища
type Store interface {
	// CreateEntry сохраняет запись в транзакции из контекста (или напрямую в БД)
	CreateEntry(ctx context.Context, entry *EntryRecord) error
	// ClaimBatch арендует пачку записей, готовых к отправке
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]EntryRecord, error)
	// MarkSent помечает запись отправленной
	MarkSent(ctx context.Context, claim Claim, sentAt time.Time) error
	// MarkRetry возвращает запись в очередь с отложенной попыткой
	MarkRetry(ctx context.Context, claim Claim, nextAttemptAt time.Time, lastError string, at time.Time) error
	// MarkDead переводит запись в dead-letter
	MarkDead(ctx context.Context, claim Claim, lastError string, at time.Time) error
	// ReleaseClaim снимает аренду без расхода попытки
	ReleaseClaim(ctx context.Context, claim Claim, at time.Time) error
	// FetchExpiredClaims выбирает записи с истекшей арендой
	FetchExpiredClaims(ctx context.Context, now time.Time, limit int) ([]EntryRecord, error)
	// GetEntry возвращает запись по event id
	GetEntry(ctx context.Context, id string) (EntryRecord, error)
	// ListDeadLetters возвращает dead-letter записи, старые первыми
	ListDeadLetters(ctx context.Context, limit int) ([]EntryRecord, error)
	// CountByStatus считает записи по статусам
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// Requeue возвращает dead-letter запись в очередь со сброшенными попытками
	Requeue(ctx context.Context, id string, at time.Time) error
	// DeleteSentEntries удаляет отправленные записи старше before
	DeleteSentEntries(ctx context.Context, before time.Time) (int64, error)
	// EnsureTables создает необходимые таблицы, если они не существуют
	EnsureTables(ctx context.Context) error
}

// EntryRecord is the stored form of an outbox entry.
type EntryRecord struct {
	Seq            int64
	ID             string
	AggregateType  string
	AggregateID    string
	Shard          int
	EventType      string
	Topic          string
	Payload        []byte
	Headers        map[string]string
	Status         Status
	AttemptCount   int
	NextAttemptAt  time.Time
	ClaimToken     string
	ClaimExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	SentAt         *time.Time
}

// Claim returns the lease handle of a claimed entry.
func (r EntryRecord) Claim() Claim {
	return Claim{Seq: r.Seq, Token: r.ClaimToken}
}
