package storage

import (
	"context"
	"hash/fnv"
)

// ShardOf maps an aggregate id onto [0, ShardCount).
func ShardOf(aggregateID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % ShardCount)
}

// UnitOfWork runs fn inside one atomic transaction carried by the context.
// avito-tech trm *manager.Manager satisfies it.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}
