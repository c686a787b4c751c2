package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyScheduleRejected(t *testing.T) {
	b, err := New()
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrEmptySchedule)
}

func TestDelayMS_Scalar(t *testing.T) {
	b, err := New(5)
	require.NoError(t, err)

	// a single value is uniform across every attempt
	assert.Equal(t, int64(5000), b.DelayMS(1))
	assert.Equal(t, int64(5000), b.DelayMS(2))
	assert.Equal(t, int64(5000), b.DelayMS(100))
}

func TestDelayMS_ScalarZero(t *testing.T) {
	b, err := New(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.DelayMS(1))
}

func TestDelayMS_OrderedSchedule(t *testing.T) {
	b, err := New(1, 5, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), b.DelayMS(1))
	assert.Equal(t, int64(5000), b.DelayMS(2))
	assert.Equal(t, int64(10000), b.DelayMS(3))
	// last value clamps for every later attempt
	assert.Equal(t, int64(10000), b.DelayMS(4))
	assert.Equal(t, int64(10000), b.DelayMS(42))
}

func TestDelayMS_NonDecreasingForNonDecreasingSchedule(t *testing.T) {
	b, err := New(1, 2, 2, 7)
	require.NoError(t, err)

	prev := int64(-1)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.DelayMS(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestDelayMS_AttemptBelowOneClampsToFirst(t *testing.T) {
	b, err := New(3, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), b.DelayMS(0))
	assert.Equal(t, int64(3000), b.DelayMS(-5))
}

func TestSchedule_ReturnsCopy(t *testing.T) {
	b, err := New(1, 2)
	require.NoError(t, err)

	s := b.Schedule()
	s[0] = 99
	assert.Equal(t, int64(1000), b.DelayMS(1))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusFirst, Status(1, 3))
	assert.Equal(t, StatusRetry, Status(2, 3))
	assert.Equal(t, StatusLast, Status(3, 3))
	assert.Equal(t, StatusLast, Status(4, 3))

	// tries = 1: the only attempt counts as the first
	assert.Equal(t, StatusFirst, Status(1, 1))
}
