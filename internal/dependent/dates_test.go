package dependent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-03-13 is a Wednesday.
var refTime = time.Date(2024, 3, 13, 10, 30, 0, 0, time.UTC)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDateIntervals(t *testing.T) {
	tests := []struct {
		value  string
		count  int
		first  time.Time
		lastAt time.Time // start of the last interval
	}{
		{CurrentHour, 1, time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)},
		{Last1Hour, 1, time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC), time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)},
		{Last3Hours, 3, time.Date(2024, 3, 13, 7, 0, 0, 0, time.UTC), time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)},
		{Last24Hours, 24, time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)},
		{Today, 1, day(3, 13), day(3, 13)},
		{Last1Days, 1, day(3, 12), day(3, 12)},
		{Last7Days, 7, day(3, 6), day(3, 12)},
		{ThisWeek, 3, day(3, 11), day(3, 13)},
		{LastWeek, 7, day(3, 4), day(3, 10)},
		{LastMonday, 1, day(3, 4), day(3, 4)},
		{LastSunday, 1, day(3, 10), day(3, 10)},
		{ThisMonth, 13, day(3, 1), day(3, 13)},
		{ThisMonthBegin, 1, day(3, 1), day(3, 1)},
		{LastMonth, 29, day(2, 1), day(2, 29)},
		{LastMonthBegin, 1, day(2, 1), day(2, 1)},
		{LastMonthEnd, 1, day(2, 29), day(2, 29)},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := DateIntervals(refTime, tt.value)
			require.Len(t, got, tt.count)
			assert.True(t, got[0].Start.Equal(tt.first), "first start %s", got[0].Start)
			assert.True(t, got[len(got)-1].Start.Equal(tt.lastAt), "last start %s", got[len(got)-1].Start)
			for _, iv := range got {
				assert.True(t, iv.End.After(iv.Start))
			}
		})
	}
}

func TestDateIntervals_DayBoundsAreInclusive(t *testing.T) {
	got := DateIntervals(refTime, Today)
	require.Len(t, got, 1)
	assert.Equal(t, day(3, 14).Add(-time.Millisecond), got[0].End)
}

func TestDateIntervals_Sunday(t *testing.T) {
	sunday := time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)
	got := DateIntervals(sunday, ThisWeek)
	require.Len(t, got, 7)
	assert.Equal(t, day(3, 11), got[0].Start)
}

func TestDateIntervals_Unknown(t *testing.T) {
	assert.Empty(t, DateIntervals(refTime, "nextYear"))
}
