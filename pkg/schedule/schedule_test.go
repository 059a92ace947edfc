package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	s := Every(15 * time.Minute)
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Minute), s.Next(from))
}

func TestDaily_BeforeAndAfterFireTime(t *testing.T) {
	s := Daily(3, 30)

	before := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC), s.Next(before))

	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC), s.Next(after))

	exactly := time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC), s.Next(exactly),
		"firing at the exact minute schedules the next day")
}

func TestCron_FiveFieldExpression(t *testing.T) {
	s, err := Cron("0 3 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron_InvalidExpression(t *testing.T) {
	_, err := Cron("not a cron line")
	assert.Error(t, err)

	_, err = Cron("0 3 * *") // four fields
	assert.Error(t, err)
}
