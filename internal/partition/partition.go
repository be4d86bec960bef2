// Package partition splits a pending work list into disjoint contiguous
// shards, one per worker process.
package partition

import (
	"fmt"

	"github.com/videopose/posekeys/internal/model"
)

// Validate checks shard arguments. Invalid arguments are startup errors.
func Validate(count, index int) error {
	if count < 1 {
		return fmt.Errorf("%w: shard count %d must be at least 1", model.ErrInvalidShard, count)
	}
	if index < 0 || index >= count {
		return fmt.Errorf("%w: shard index %d outside [0,%d)", model.ErrInvalidShard, index, count)
	}
	return nil
}

// Bounds returns the half-open range [start, end) of shard index out of count
// over n items. Every shard gets n/count items and the first n%count shards
// get one more.
func Bounds(n, count, index int) (start, end int) {
	size := n / count
	remainder := n % count

	start = index*size + min(index, remainder)
	end = start + size
	if index < remainder {
		end++
	}
	return start, end
}

// Partition returns this worker's slice of items. The result aliases items.
func Partition[T any](items []T, count, index int) ([]T, error) {
	if err := Validate(count, index); err != nil {
		return nil, err
	}
	start, end := Bounds(len(items), count, index)
	return items[start:end:end], nil
}

// Split returns every shard in order; used by tooling that plans all workers
func Split[T any](items []T, count int) ([][]T, error) {
	if err := Validate(count, 0); err != nil {
		return nil, err
	}
	shards := make([][]T, count)
	for i := range shards {
		start, end := Bounds(len(items), count, i)
		shards[i] = items[start:end:end]
	}
	return shards, nil
}
