package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type session struct {
	ID    int64 `gorm:"primaryKey"`
	Stale bool
}

// newSessionCollection seeds a sessions table with the given IDs and wraps
// it in a SQLCollection keyed on id.
func newSessionCollection(t *testing.T, ids []int64, opts ...SQLCollectionOption[session]) *SQLCollection[session] {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// each new pool connection to :memory: would get its own empty database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&session{}))

	for _, id := range ids {
		require.NoError(t, db.Create(&session{ID: id, Stale: id%2 == 0}).Error)
	}
	return NewSQLCollection(db, "id", func(s *session) int64 { return s.ID }, opts...)
}

func collectCursors(t *testing.T, scan func(fn func(item any, cursor string) error) error) []string {
	t.Helper()
	var cursors []string
	require.NoError(t, scan(func(_ any, cursor string) error {
		cursors = append(cursors, cursor)
		return nil
	}))
	return cursors
}

func TestSQLCollection_Count(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{1, 2, 3})

	count, err := col.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestSQLCollection_CountEmpty(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, nil)

	count, err := col.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestSQLCollection_CursorAt_SparseKeys(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{5, 40, 900})

	cases := []struct {
		offset int64
		want   string
	}{
		{0, "5"},
		{1, "40"},
		{2, "900"},
	}
	for _, tc := range cases {
		got, err := col.CursorAt(ctx, tc.offset)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "offset %d", tc.offset)
	}

	_, err := col.CursorAt(ctx, 3)
	assert.Error(t, err, "offset past the end")
}

func TestSQLCollection_CompareCursors(t *testing.T) {
	col := newSessionCollection(t, nil)

	assert.Negative(t, col.CompareCursors("2", "10"), "numeric order, not lexical")
	assert.Positive(t, col.CompareCursors("10", "2"))
	assert.Zero(t, col.CompareCursors("7", "7"))
}

func TestSQLCollection_Scan_FullAndResumed(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{1, 2, 3, 4, 5})

	all := collectCursors(t, func(fn func(any, string) error) error {
		return col.Scan(ctx, "", fn)
	})
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, all)

	// a non-empty cursor resumes strictly after it
	resumed := collectCursors(t, func(fn func(any, string) error) error {
		return col.Scan(ctx, "3", fn)
	})
	assert.Equal(t, []string{"4", "5"}, resumed)
}

func TestSQLCollection_Scan_PropagatesItemError(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{1, 2, 3})

	boom := errors.New("boom")
	var seen int
	err := col.Scan(ctx, "", func(_ any, _ string) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen, "scan stops at the failing item")
}

func TestSQLCollection_ScanRange_InclusiveBounds(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{1, 2, 3, 4, 5, 6})

	got := collectCursors(t, func(fn func(any, string) error) error {
		return col.ScanRange(ctx, "2", "4", "", fn)
	})
	assert.Equal(t, []string{"2", "3", "4"}, got)
}

func TestSQLCollection_ScanRange_ResumeSkipsProcessed(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{1, 2, 3, 4, 5, 6})

	got := collectCursors(t, func(fn func(any, string) error) error {
		return col.ScanRange(ctx, "2", "6", "4", fn)
	})
	assert.Equal(t, []string{"5", "6"}, got, "resume is exclusive of the stored cursor")
}

func TestSQLCollection_ScanRange_SparseKeysStayInBounds(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{10, 20, 35, 50, 80})

	got := collectCursors(t, func(fn func(any, string) error) error {
		return col.ScanRange(ctx, "20", "50", "", fn)
	})
	assert.Equal(t, []string{"20", "35", "50"}, got)
}

func TestSQLCollection_Scope(t *testing.T) {
	ctx := context.Background()
	col := newSessionCollection(t, []int64{1, 2, 3, 4},
		WithScope[session](func(db *gorm.DB) *gorm.DB {
			return db.Where("stale = ?", true)
		}))

	count, err := col.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	got := collectCursors(t, func(fn func(any, string) error) error {
		return col.Scan(ctx, "", fn)
	})
	assert.Equal(t, []string{"2", "4"}, got)
}

func TestSQLCollection_SmallBatchesVisitEverything(t *testing.T) {
	ctx := context.Background()
	ids := make([]int64, 0, 25)
	for i := int64(1); i <= 25; i++ {
		ids = append(ids, i)
	}
	col := newSessionCollection(t, ids, WithBatchSize[session](4))

	got := collectCursors(t, func(fn func(any, string) error) error {
		return col.Scan(ctx, "", fn)
	})
	assert.Len(t, got, 25)
	assert.Equal(t, "1", got[0])
	assert.Equal(t, "25", got[24])
}
