package core

import "context"

// ItemFunc is invoked for each item visited by a collection scan, together
// with the item's cursor: the encoded ordering-key value used for progress
// tracking and resume.
type ItemFunc func(item any, cursor string) error

// Collection is the dataset a task iterates over. The minimal contract is
// counting and cursor-resumable in-order iteration; it is enough for solo
// runs but not for partitioning.
type Collection interface {
	// Count returns the total number of items.
	Count(ctx context.Context) (int64, error)

	// Scan visits items in order. When cursor is non-empty, iteration
	// restarts strictly after the item carrying that cursor.
	Scan(ctx context.Context, cursor string, fn ItemFunc) error
}

// RandomAccessCollection is a Collection that can additionally be seeked by
// ordinal offset and scanned between key boundaries. Partitioning requires
// it: collections that must be consumed sequentially cannot be split into
// concurrent ranges.
type RandomAccessCollection interface {
	Collection

	// CursorAt resolves the cursor of the item at the given ordinal offset
	// in the collection's order ("skip offset, take one"). This is how
	// partition boundaries are resolved for sparse or non-contiguous key
	// spaces.
	CursorAt(ctx context.Context, offset int64) (string, error)

	// CompareCursors orders two cursors by the collection's ordering key,
	// returning -1, 0, or 1.
	CompareCursors(a, b string) int

	// ScanRange visits items with cursors in [start, end] in order. When
	// resume is non-empty, iteration restarts strictly after it.
	ScanRange(ctx context.Context, start, end, resume string, fn ItemFunc) error
}
