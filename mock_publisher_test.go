package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event EventRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// gatedPublisher reports availability from a flag the test flips.
type gatedPublisher struct {
	MockPublisher
	down atomic.Bool
}

func (g *gatedPublisher) Available() bool {
	return !g.down.Load()
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }
