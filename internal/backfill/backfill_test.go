package backfill

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
)

type fakeCheckpointStore struct {
	checkpoints map[string]*model.CheckpointState
	advances    []string // cursor values passed to AdvanceCheckpoint, in order
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{checkpoints: map[string]*model.CheckpointState{}}
}

func (f *fakeCheckpointStore) GetCheckpoint(ctx context.Context, streamKey string) (*model.CheckpointState, error) {
	if cp, ok := f.checkpoints[streamKey]; ok {
		return cp, nil
	}
	return &model.CheckpointState{StreamKey: streamKey}, nil
}

func (f *fakeCheckpointStore) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeCheckpointStore) AdvanceCheckpoint(ctx context.Context, tx pgx.Tx, streamKey, cursor string, marker uint64, completed bool) error {
	f.advances = append(f.advances, cursor)
	f.checkpoints[streamKey] = &model.CheckpointState{StreamKey: streamKey, Cursor: cursor, LastProcessedMarker: marker, Completed: completed}
	return nil
}

// TestStream_Run_PaginatesUntilEmptyPage exercises a paginated stream
// shaped like the relay/adjustment streams: each unit processed returns
// the next page's cursor, and an empty page signals completion.
func TestStream_Run_PaginatesUntilEmptyPage(t *testing.T) {
	store := newFakeCheckpointStore()
	pages := [][]string{{"a", "b"}, {"c"}, {}}
	pageIdx := 0

	var processedCursors []string
	stream := &Stream{
		Key:   "test-stream",
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			if checkpoint.Completed {
				return nil, nil
			}
			return []Unit{{Cursor: checkpoint.Cursor}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			processedCursors = append(processedCursors, unit.Cursor)
			page := pages[pageIdx]
			pageIdx++
			if len(page) == 0 {
				return unit, true, nil
			}
			return Unit{Cursor: page[len(page)-1]}, false, nil
		},
	}

	err := stream.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, pageIdx)
	assert.True(t, store.checkpoints["test-stream"].Completed)
}

// TestStream_Run_SkipsFailedUnitsButContinues verifies per-unit failure
// isolation: a failed unit is logged and skipped without advancing the
// checkpoint past it, and the stream keeps going.
func TestStream_Run_SkipsFailedUnitsButContinues(t *testing.T) {
	store := newFakeCheckpointStore()
	calls := 0
	stream := &Stream{
		Key:   "flaky-stream",
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			if calls >= 2 {
				return nil, nil
			}
			return []Unit{{Marker: uint64(calls + 1)}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			calls++
			if unit.Marker == 1 {
				return unit, false, ingesterr.New(ingesterr.Transient, "test", "flaky", nil)
			}
			return unit, false, nil
		},
	}

	err := stream.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Only the succeeding unit (marker 2) advanced the checkpoint.
	assert.Equal(t, uint64(2), store.checkpoints["flaky-stream"].LastProcessedMarker)
}

// TestStream_Run_FatalErrorStopsStream verifies a fatal error kind aborts
// the stream immediately rather than being skipped.
func TestStream_Run_FatalErrorStopsStream(t *testing.T) {
	store := newFakeCheckpointStore()
	calls := 0
	stream := &Stream{
		Key:   "fatal-stream",
		Store: store,
		Select: func(ctx context.Context, checkpoint *model.CheckpointState) ([]Unit, error) {
			return []Unit{{Marker: 1}}, nil
		},
		Process: func(ctx context.Context, tx pgx.Tx, unit Unit) (Unit, bool, error) {
			calls++
			return unit, false, ingesterr.New(ingesterr.FatalMidRun, "test", "schema mismatch", nil)
		},
	}

	err := stream.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDateMarker_RoundTrips(t *testing.T) {
	d := dateFromMarker(20240115)
	assert.Equal(t, 2024, d.Year())
	assert.Equal(t, 1, int(d.Month()))
	assert.Equal(t, 15, d.Day())
	assert.Equal(t, uint64(20240115), dateMarker(d))
}
