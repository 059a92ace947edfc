package runner

import (
	"context"
	"fmt"

	"github.com/maintkit/maintkit/pkg/core"
	"github.com/maintkit/maintkit/pkg/security"
)

// Partition is one contiguous, non-overlapping cursor range of a task's
// collection. Boundaries are inclusive.
type Partition struct {
	Start string
	End   string
	Size  int64
}

// Partitions splits a randomly seekable collection into at most level
// disjoint, order-preserving ranges covering every item exactly once.
//
// The ideal partition size is ceil(total/level); each slot's ordinal
// offsets are resolved to actual boundary values with a single ordered
// "skip N, take one" lookup, which handles sparse and non-contiguous key
// spaces. Slots whose resolved start exceeds their end collapse to empty
// and are dropped, so fewer than level partitions may come back. An empty
// collection yields zero partitions.
func Partitions(ctx context.Context, col core.RandomAccessCollection, level int) ([]Partition, error) {
	if err := security.ValidateConcurrency(level); err != nil {
		return nil, err
	}

	total, err := col.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("runner: count collection: %w", err)
	}
	if total <= 0 {
		return nil, nil
	}

	size := (total + int64(level) - 1) / int64(level)
	parts := make([]Partition, 0, level)

	for i := 0; i < level; i++ {
		startOffset := int64(i) * size
		if startOffset >= total {
			break
		}
		endOffset := startOffset + size - 1
		if endOffset >= total {
			endOffset = total - 1
		}

		start, err := col.CursorAt(ctx, startOffset)
		if err != nil {
			return nil, fmt.Errorf("runner: resolve partition %d start: %w", i, err)
		}
		end, err := col.CursorAt(ctx, endOffset)
		if err != nil {
			return nil, fmt.Errorf("runner: resolve partition %d end: %w", i, err)
		}
		if col.CompareCursors(start, end) > 0 {
			// duplicate or sparse keys collapsed the slot
			continue
		}
		parts = append(parts, Partition{
			Start: start,
			End:   end,
			Size:  endOffset - startOffset + 1,
		})
	}
	return parts, nil
}
