package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockStore) ClaimBatch(ctx context.Context, req ClaimRequest) ([]EntryRecord, error) {
	args := m.Called(ctx, req)
	entries, _ := args.Get(0).([]EntryRecord)
	return entries, args.Error(1)
}

func (m *MockStore) MarkSent(ctx context.Context, claim Claim, sentAt time.Time) error {
	args := m.Called(ctx, claim, sentAt)
	return args.Error(0)
}

func (m *MockStore) MarkRetry(ctx context.Context, claim Claim, nextAttemptAt time.Time, lastError string, at time.Time) error {
	args := m.Called(ctx, claim, nextAttemptAt, lastError, at)
	return args.Error(0)
}

func (m *MockStore) MarkDead(ctx context.Context, claim Claim, lastError string, at time.Time) error {
	args := m.Called(ctx, claim, lastError, at)
	return args.Error(0)
}

func (m *MockStore) ReleaseClaim(ctx context.Context, claim Claim, at time.Time) error {
	args := m.Called(ctx, claim, at)
	return args.Error(0)
}

func (m *MockStore) FetchExpiredClaims(ctx context.Context, now time.Time, limit int) ([]EntryRecord, error) {
	args := m.Called(ctx, now, limit)
	entries, _ := args.Get(0).([]EntryRecord)
	return entries, args.Error(1)
}

func (m *MockStore) GetEntry(ctx context.Context, id string) (EntryRecord, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(EntryRecord)
	return entry, args.Error(1)
}

func (m *MockStore) ListDeadLetters(ctx context.Context, limit int) ([]EntryRecord, error) {
	args := m.Called(ctx, limit)
	entries, _ := args.Get(0).([]EntryRecord)
	return entries, args.Error(1)
}

func (m *MockStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[Status]int64)
	return counts, args.Error(1)
}

func (m *MockStore) Requeue(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockStore) DeleteSentEntries(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
