// Package backfill runs the pipeline's resumable historical drivers: one
// generic skeleton specialized per entity with a WorkSelector (what's
// missing) and a UnitProcessor (process one unit), sharing a single
// checkpoint discipline across all of them.
package backfill

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/schollz/progressbar/v3"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/metrics"
	"github.com/pbsdata/ingestor/internal/model"

	"go.uber.org/zap"
)

// CheckpointStore is the subset of the store the skeleton needs.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, streamKey string) (*model.CheckpointState, error)
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
	AdvanceCheckpoint(ctx context.Context, tx pgx.Tx, streamKey, cursor string, marker uint64, completed bool) error
}

// Unit is one item of backfill work: a date partition, a relay page, a
// block-number range.
type Unit struct {
	// Marker is the unit's position for checkpoint comparison: a block
	// number, a slot, or a date encoded as YYYYMMDD.
	Marker uint64
	// Cursor is the stream-specific pagination token this unit leaves
	// behind once processed (empty for unpaginated streams).
	Cursor string
	Label  string
}

// WorkSelector returns the next batch of units to process given the
// stream's current checkpoint, or an empty slice when the stream has
// caught up. Concrete selectors decide their own ordering: newest-first
// for relay/balance/adjustment streams, date-ascending for the block
// stream.
type WorkSelector func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error)

// UnitProcessor performs one unit's work and persists its rows through tx,
// the same transaction Stream.Run uses to advance the checkpoint, so a
// unit's data and its checkpoint advance commit or roll back together. It
// returns the unit updated with whatever Marker/Cursor the work actually
// reached (paginated streams only learn their next cursor after the
// fetch) plus a "completed" flag for streams whose work is bounded. A
// returned error does not by itself stop the stream; unit-level-failure
// isolation is applied at the Stream.Run level.
type UnitProcessor func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error)

// Stream drives one resumable backfill stream to completion or until ctx
// is cancelled.
type Stream struct {
	Key     string
	Store   CheckpointStore
	Select  WorkSelector
	Process UnitProcessor
	Logger  *zap.Logger
	Metrics *metrics.Registry
	ShowBar bool
}

// Run repeatedly selects and processes batches of units until the
// selector returns none, advancing the checkpoint after every unit that
// succeeds and continuing past ones that fail: failure isolation applies
// per unit, not per stream. A unit that failed is not processed again in
// the same call; once the selector offers only such units, Run returns
// and leaves them for the next invocation.
func (s *Stream) Run(ctx context.Context) error {
	checkpoint, err := s.Store.GetCheckpoint(ctx, s.Key)
	if err != nil {
		return ingesterr.New(ingesterr.FatalStartup, s.Key, "load checkpoint failed", err)
	}

	var bar *progressbar.ProgressBar
	if s.ShowBar {
		bar = progressbar.Default(-1, s.Key)
	}

	failed := make(map[Unit]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		units, err := s.Select(ctx, checkpoint)
		if err != nil {
			return ingesterr.New(ingesterr.FatalMidRun, s.Key, "work selection failed", err)
		}
		if len(units) == 0 {
			return nil
		}

		fresh := 0
		for _, unit := range units {
			if failed[unit] {
				continue
			}
			fresh++
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var outcome Unit
			var completed bool
			txErr := s.Store.WithTx(ctx, func(tx pgx.Tx) error {
				var perr error
				outcome, completed, perr = s.Process(ctx, tx, unit)
				if perr != nil {
					return perr
				}
				marker := outcome.Marker
				if marker < checkpoint.LastProcessedMarker {
					marker = checkpoint.LastProcessedMarker
				}
				outcome.Marker = marker
				if err := s.Store.AdvanceCheckpoint(ctx, tx, s.Key, outcome.Cursor, marker, completed); err != nil {
					return ingesterr.New(ingesterr.FatalMidRun, s.Key, "checkpoint advance failed", err)
				}
				return nil
			})
			if txErr != nil {
				if s.Metrics != nil {
					s.Metrics.BackfillUnitsFailed.WithLabelValues(s.Key).Inc()
				}
				if s.Logger != nil {
					s.Logger.Warn("backfill unit failed",
						zap.String("stream", s.Key),
						zap.String("unit", unit.Label), zap.Error(txErr))
				}
				if ingesterr.Fatal(txErr) {
					return txErr
				}
				failed[unit] = true
				continue
			}
			checkpoint = &model.CheckpointState{StreamKey: s.Key, Cursor: outcome.Cursor, LastProcessedMarker: outcome.Marker, Completed: completed}

			if s.Metrics != nil {
				s.Metrics.BackfillUnitsProcessed.WithLabelValues(s.Key).Inc()
			}
			if bar != nil {
				bar.Add(1)
			}
		}
		if fresh == 0 {
			return nil
		}
	}
}
