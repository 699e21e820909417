package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectGaps_FlagsOutlierDaysAndConsolidatesAdjacentRuns(t *testing.T) {
	history := []DailyCount{
		{Date: "2024-01-01", Count: 100},
		{Date: "2024-01-02", Count: 98},
		{Date: "2024-01-03", Count: 2}, // outlier
		{Date: "2024-01-04", Count: 3}, // outlier, adjacent to the above
		{Date: "2024-01-05", Count: 97},
	}

	gaps := DetectGaps(history)
	require.Len(t, gaps, 1)
	assert.Equal(t, "2024-01-03", gaps[0].StartDate)
	assert.Equal(t, "2024-01-04", gaps[0].EndDate)
}

func TestDetectGaps_NoOutliersYieldsNoGaps(t *testing.T) {
	history := []DailyCount{
		{Date: "2024-01-01", Count: 100},
		{Date: "2024-01-02", Count: 101},
		{Date: "2024-01-03", Count: 99},
	}
	assert.Nil(t, DetectGaps(history))
}

func TestGapSlotRange_CoversFullBoundaryDays(t *testing.T) {
	minSlot, maxSlot, err := GapSlotRange(Gap{StartDate: "2024-01-03", EndDate: "2024-01-04"})
	require.NoError(t, err)

	start, err := time.Parse("2006-01-02", "2024-01-03")
	require.NoError(t, err)
	end, err := time.Parse("2006-01-02", "2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, slotAtTime(start), minSlot)
	assert.Equal(t, slotAtTime(end), maxSlot)
	assert.Less(t, minSlot, maxSlot)
}

func TestGapSlotRange_InvalidDateErrors(t *testing.T) {
	_, _, err := GapSlotRange(Gap{StartDate: "not-a-date", EndDate: "2024-01-04"})
	require.Error(t, err)
}
