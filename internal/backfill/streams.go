package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pbsdata/ingestor/internal/adjustment"
	"github.com/pbsdata/ingestor/internal/archive"
	"github.com/pbsdata/ingestor/internal/balance"
	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/relay"
)

// BlockStore is the store surface the block stream writes through, in
// addition to CheckpointStore.
type BlockStore interface {
	CheckpointStore
	UpsertBlocksTx(ctx context.Context, tx pgx.Tx, blocks []*model.Block) error
}

// NewBlockStream backfills historical block headers from the object-store
// archive, date-ascending: each unit is one calendar date.
func NewBlockStream(store BlockStore, reader *archive.Reader, startDate, endDate time.Time) *Stream {
	return &Stream{
		Key:   "block",
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			next := startDate
			if checkpoint.LastProcessedMarker > 0 {
				next = dateFromMarker(checkpoint.LastProcessedMarker).AddDate(0, 0, 1)
			}
			if next.After(endDate) {
				return nil, nil
			}
			return []Unit{{Marker: dateMarker(next), Label: next.Format("2006-01-02")}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			date := dateFromMarker(unit.Marker).Format("2006-01-02")
			blocks, err := reader.ListDate(ctx, date)
			if err != nil {
				if ie, ok := err.(*ingesterr.Error); ok && ie.Kind == ingesterr.NotFound {
					// No partition published yet for this date; hold the
					// checkpoint where it is and let the caller retry later.
					return unit, false, err
				}
				return unit, false, err
			}
			if len(blocks) > 0 {
				if err := store.UpsertBlocksTx(ctx, tx, blocks); err != nil {
					return unit, false, err
				}
			}
			return unit, false, nil
		},
	}
}

// RelayStore is the store surface the relay stream writes through.
type RelayStore interface {
	CheckpointStore
	UpsertRelayPayloadsTx(ctx context.Context, tx pgx.Tx, payloads []model.RelayPayload) error
}

// NewRelayStream backfills one relay's delivered payloads, newest-first:
// each unit is one page.
func NewRelayStream(store RelayStore, driver *relay.Driver) *Stream {
	return &Stream{
		Key:   "relay:" + driver.Identifier,
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			if checkpoint.Completed {
				return nil, nil
			}
			return []Unit{{Cursor: checkpoint.Cursor, Label: "page@" + checkpoint.Cursor}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			payloads, next, err := driver.Page(ctx, unit.Cursor)
			if err != nil {
				return unit, false, err
			}
			if len(payloads) == 0 {
				return unit, true, nil
			}
			if err := store.UpsertRelayPayloadsTx(ctx, tx, payloads); err != nil {
				return unit, false, err
			}
			maxSlot := payloads[0].Slot
			for _, p := range payloads {
				if p.Slot > maxSlot {
					maxSlot = p.Slot
				}
			}
			return Unit{Cursor: next, Marker: maxSlot}, false, nil
		},
	}
}

// BalanceStore is the store surface the balance stream writes through.
type BalanceStore interface {
	CheckpointStore
	UpsertBalanceDeltasTx(ctx context.Context, tx pgx.Tx, deltas []model.BalanceDelta) error
	UpsertAuxiliaryDeltasTx(ctx context.Context, tx pgx.Tx, deltas []model.AuxiliaryBuilderDelta) error
	SelectBlockRange(ctx context.Context, lo, hi uint64) ([]*model.Block, error)
}

// NewBalanceStream backfills balance deltas for a newest-first block
// range, one block per unit.
func NewBalanceStream(store BalanceStore, tracker *balance.Tracker, headBlock, startBlock uint64) *Stream {
	return &Stream{
		Key:   "balance",
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			next := headBlock
			if checkpoint.LastProcessedMarker > 0 {
				if checkpoint.LastProcessedMarker <= startBlock {
					return nil, nil
				}
				next = checkpoint.LastProcessedMarker - 1
			}
			if next < startBlock {
				return nil, nil
			}
			return []Unit{{Marker: next, Label: fmt.Sprintf("block:%d", next)}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			blocks, err := store.SelectBlockRange(ctx, unit.Marker, unit.Marker)
			if err != nil || len(blocks) == 0 {
				return unit, false, ingesterr.New(ingesterr.NotFound, "balance", "block header not yet ingested", err)
			}
			delta, aux, err := tracker.Track(ctx, unit.Marker, blocks[0].FeeRecipient)
			if err != nil {
				return unit, false, err
			}
			if err := store.UpsertBalanceDeltasTx(ctx, tx, []model.BalanceDelta{delta}); err != nil {
				return unit, false, err
			}
			if len(aux) > 0 {
				if err := store.UpsertAuxiliaryDeltasTx(ctx, tx, aux); err != nil {
					return unit, false, err
				}
			}
			return unit, false, nil
		},
	}
}

// AdjustmentStore is the store surface the adjustment stream writes through.
type AdjustmentStore interface {
	CheckpointStore
	UpsertAdjustmentsTx(ctx context.Context, tx pgx.Tx, adjustments []model.Adjustment) error
}

// NewAdjustmentStream backfills one relay's adjustment feed, newest-first.
func NewAdjustmentStream(store AdjustmentStore, driver *adjustment.Driver) *Stream {
	return &Stream{
		Key:   "adjustment:" + driver.RelayIdentifier,
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			if checkpoint.Completed {
				return nil, nil
			}
			return []Unit{{Cursor: checkpoint.Cursor, Label: "page@" + checkpoint.Cursor}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			adjustments, next, err := driver.Page(ctx, unit.Cursor)
			if err != nil {
				return unit, false, err
			}
			if len(adjustments) == 0 {
				return unit, true, nil
			}
			if err := store.UpsertAdjustmentsTx(ctx, tx, adjustments); err != nil {
				return unit, false, err
			}
			maxSlot := adjustments[0].Slot
			for _, a := range adjustments {
				if a.Slot > maxSlot {
					maxSlot = a.Slot
				}
			}
			return Unit{Cursor: next, Marker: maxSlot}, false, nil
		},
	}
}

func dateMarker(t time.Time) uint64 {
	return uint64(t.Year())*10000 + uint64(t.Month())*100 + uint64(t.Day())
}

func dateFromMarker(marker uint64) time.Time {
	year := marker / 10000
	month := (marker / 100) % 100
	day := marker % 100
	return time.Date(int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC)
}
