package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/maintkit/maintkit/pkg/core"
)

// DefaultBatchSize is how many rows a collection scan loads per query.
const DefaultBatchSize = 100

// SQLCollection adapts a GORM-mapped table into a randomly seekable
// collection ordered by an integer primary-key-like column. It satisfies
// core.RandomAccessCollection, making tasks built on it eligible for
// partitioned concurrent runs.
type SQLCollection[T any] struct {
	db        *gorm.DB
	key       string
	keyOf     func(*T) int64
	batchSize int
	scopes    []func(*gorm.DB) *gorm.DB
}

// SQLCollectionOption configures a SQLCollection.
type SQLCollectionOption[T any] func(*SQLCollection[T])

// WithBatchSize sets how many rows are loaded per scan query.
func WithBatchSize[T any](n int) SQLCollectionOption[T] {
	return func(c *SQLCollection[T]) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithScope narrows the collection with an extra query scope, applied to
// counting, seeking, and scanning alike.
func WithScope[T any](scope func(*gorm.DB) *gorm.DB) SQLCollectionOption[T] {
	return func(c *SQLCollection[T]) {
		c.scopes = append(c.scopes, scope)
	}
}

// NewSQLCollection builds a collection over rows of T ordered by the given
// key column. keyOf extracts the ordering key from a loaded row so scans
// can report per-item cursors.
func NewSQLCollection[T any](db *gorm.DB, key string, keyOf func(*T) int64, opts ...SQLCollectionOption[T]) *SQLCollection[T] {
	c := &SQLCollection[T]{
		db:        db,
		key:       key,
		keyOf:     keyOf,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SQLCollection[T]) query(ctx context.Context) *gorm.DB {
	q := c.db.WithContext(ctx).Model(new(T))
	for _, scope := range c.scopes {
		q = scope(q)
	}
	return q
}

// Count returns the total number of items.
func (c *SQLCollection[T]) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.query(ctx).Count(&count).Error
	return count, err
}

// CursorAt resolves the key of the item at the given ordinal offset with a
// single ordered "skip offset, take one" lookup. This is correct for
// sparse and non-contiguous key spaces, unlike assuming evenly spaced keys.
func (c *SQLCollection[T]) CursorAt(ctx context.Context, offset int64) (string, error) {
	var keys []int64
	err := c.query(ctx).
		Order(c.key + " ASC").
		Offset(int(offset)).
		Limit(1).
		Pluck(c.key, &keys).Error
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("storage: no item at offset %d", offset)
	}
	return strconv.FormatInt(keys[0], 10), nil
}

// CompareCursors orders two cursors numerically, falling back to string
// order when either does not parse.
func (c *SQLCollection[T]) CompareCursors(a, b string) int {
	av, aerr := strconv.ParseInt(a, 10, 64)
	bv, berr := strconv.ParseInt(b, 10, 64)
	if aerr != nil || berr != nil {
		return strings.Compare(a, b)
	}
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// Scan visits all items in key order, restarting strictly after cursor
// when it is non-empty.
func (c *SQLCollection[T]) Scan(ctx context.Context, cursor string, fn core.ItemFunc) error {
	q := c.query(ctx)
	if cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return fmt.Errorf("storage: bad cursor %q: %w", cursor, err)
		}
		q = q.Where(c.key+" > ?", after)
	}
	return c.scan(q, fn)
}

// ScanRange visits items with keys in [start, end] in key order,
// restarting strictly after resume when it is non-empty.
func (c *SQLCollection[T]) ScanRange(ctx context.Context, start, end, resume string, fn core.ItemFunc) error {
	startKey, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return fmt.Errorf("storage: bad start cursor %q: %w", start, err)
	}
	endKey, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return fmt.Errorf("storage: bad end cursor %q: %w", end, err)
	}
	if resume != "" {
		after, err := strconv.ParseInt(resume, 10, 64)
		if err != nil {
			return fmt.Errorf("storage: bad resume cursor %q: %w", resume, err)
		}
		if after >= startKey {
			startKey = after + 1
		}
	}

	q := c.query(ctx).Where(c.key+" >= ? AND "+c.key+" <= ?", startKey, endKey)
	return c.scan(q, fn)
}

func (c *SQLCollection[T]) scan(q *gorm.DB, fn core.ItemFunc) error {
	var batch []T
	result := q.Order(c.key + " ASC").FindInBatches(&batch, c.batchSize, func(_ *gorm.DB, _ int) error {
		for i := range batch {
			item := &batch[i]
			if err := fn(item, strconv.FormatInt(c.keyOf(item), 10)); err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}
