package relay

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pbsdata/ingestor/internal/model"
)

// Mainnet beacon chain genesis, used to translate a gap's calendar-day
// window into the slot range a repair pass needs to re-page against.
const (
	mainnetGenesisUnix = 1606824023
	secondsPerSlot      = 12
)

// slotAtTime returns the slot active at t under the mainnet beacon chain
// schedule, clamped to 0 for any time at or before genesis.
func slotAtTime(t time.Time) uint64 {
	sec := t.Unix() - mainnetGenesisUnix
	if sec < 0 {
		return 0
	}
	return uint64(sec) / secondsPerSlot
}

// GapSlotRange converts a detected gap's [StartDate, EndDate] calendar-day
// window into the inclusive slot range a Repairer should re-page, covering
// the full 24 hours of both boundary days.
func GapSlotRange(g Gap) (minSlot, maxSlot uint64, err error) {
	start, err := time.Parse("2006-01-02", g.StartDate)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gap start date %q: %w", g.StartDate, err)
	}
	end, err := time.Parse("2006-01-02", g.EndDate)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gap end date %q: %w", g.EndDate, err)
	}
	minSlot = slotAtTime(start)
	maxSlot = slotAtTime(end.AddDate(0, 0, 1))
	return minSlot, maxSlot, nil
}

// DailyCount is one day's delivered-payload count for a relay, the input
// to outlier detection.
type DailyCount struct {
	Date  string // YYYY-MM-DD
	Count int
}

// Gap is a contiguous run of outlier (suspiciously low-volume) days.
type Gap struct {
	StartDate string
	EndDate   string
}

// DetectGaps flags days whose payload count is far below the relay's own
// mean — either under half the mean, or more than two standard deviations
// below it — and consolidates adjacent outlier days into ranges (spec
// §4.4 item 4).
func DetectGaps(history []DailyCount) []Gap {
	if len(history) == 0 {
		return nil
	}

	mean, stddev := meanStddev(history)

	var gaps []Gap
	var current *Gap
	for _, day := range history {
		isOutlier := float64(day.Count) < 0.5*mean || float64(day.Count) < mean-2*stddev
		if isOutlier {
			if current == nil {
				current = &Gap{StartDate: day.Date, EndDate: day.Date}
			} else {
				current.EndDate = day.Date
			}
		} else if current != nil {
			gaps = append(gaps, *current)
			current = nil
		}
	}
	if current != nil {
		gaps = append(gaps, *current)
	}
	return gaps
}

func meanStddev(history []DailyCount) (mean, stddev float64) {
	sum := 0.0
	for _, d := range history {
		sum += float64(d.Count)
	}
	mean = sum / float64(len(history))

	variance := 0.0
	for _, d := range history {
		diff := float64(d.Count) - mean
		variance += diff * diff
	}
	variance /= float64(len(history))
	stddev = math.Sqrt(variance)
	return mean, stddev
}

// Repairer re-pages a relay scoped to a detected gap and reports the
// payloads recovered, leaving their persistence to the caller so a single
// upsert path is shared with ordinary pagination (idempotent either way).
type Repairer struct {
	driver *Driver
}

func NewRepairer(driver *Driver) *Repairer { return &Repairer{driver: driver} }

// Repair pages the relay starting from its current head until it observes
// a page ending at or before minSlot (or an empty page), returning only the
// payloads whose slot lies in [minSlot, maxSlot]; the caller's upsert
// naturally deduplicates against rows already persisted inside the gap.
func (r *Repairer) Repair(ctx context.Context, minSlot, maxSlot uint64) ([]model.RelayPayload, error) {
	var collected []model.RelayPayload
	cursor := ""
	for {
		page, next, err := r.driver.Page(ctx, cursor)
		if err != nil {
			return collected, err
		}
		if len(page) == 0 {
			return collected, nil
		}
		for _, p := range page {
			if p.Slot >= minSlot && p.Slot <= maxSlot {
				collected = append(collected, p)
			}
		}
		if page[len(page)-1].Slot <= minSlot {
			return collected, nil
		}
		cursor = next
	}
}
