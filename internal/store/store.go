// Package store is the pipeline's persistence layer: a pgx-backed Postgres
// pool exposing scoped transactions, bulk upserts per entity, range
// selects feeding the aggregator, and checkpoint read/advance.
package store

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/relay"
)

// Store wraps a pgxpool.Pool with the pipeline's entity-specific queries.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL with the given pool size and runs pending
// migrations before returning.
func Open(ctx context.Context, databaseURL string, poolSize int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, ingesterr.New(ingesterr.FatalStartup, "store", "invalid DATABASE_URL", err)
	}
	cfg.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, ingesterr.New(ingesterr.FatalStartup, "store", "failed to open database pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ingesterr.New(ingesterr.FatalStartup, "store", "database unreachable", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, ingesterr.New(ingesterr.FatalStartup, "store", "migration failed", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// WithTx runs fn inside a transaction, rolling back on any error or panic
// and committing only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ingesterr.New(ingesterr.Transient, "store", "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return err
}

// --- Blocks ---

func (s *Store) UpsertBlocks(ctx context.Context, blocks []*model.Block) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.UpsertBlocksTx(ctx, tx, blocks)
	})
}

// UpsertBlocksTx is UpsertBlocks scoped to an already-open transaction, so a
// caller can commit it atomically with other writes (e.g. a backfill
// stream's checkpoint advance).
func (s *Store) UpsertBlocksTx(ctx context.Context, tx pgx.Tx, blocks []*model.Block) error {
	batch := &pgx.Batch{}
	for _, b := range blocks {
		batch.Queue(`INSERT INTO blocks
			(number, hash, parent_hash, "timestamp", fee_recipient, extra_data, gas_used, gas_limit, state_root, size)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (number) DO UPDATE SET
				hash = EXCLUDED.hash, parent_hash = EXCLUDED.parent_hash,
				"timestamp" = EXCLUDED."timestamp", fee_recipient = EXCLUDED.fee_recipient,
				extra_data = EXCLUDED.extra_data, gas_used = EXCLUDED.gas_used,
				gas_limit = EXCLUDED.gas_limit, state_root = EXCLUDED.state_root, size = EXCLUDED.size`,
			b.Number, b.Hash.Bytes(), b.ParentHash.Bytes(), b.Timestamp, b.FeeRecipient.Bytes(),
			b.ExtraData, b.GasUsed, b.GasLimit, b.StateRoot.Bytes(), b.Size)
	}
	return execBatch(ctx, tx, batch)
}

func (s *Store) SelectBlockRange(ctx context.Context, lo, hi uint64) ([]*model.Block, error) {
	rows, err := s.pool.Query(ctx, `SELECT number, hash, parent_hash, "timestamp", fee_recipient, extra_data, gas_used, gas_limit, state_root, size
		FROM blocks WHERE number BETWEEN $1 AND $2 ORDER BY number`, lo, hi)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "store", "select block range", err)
	}
	defer rows.Close()

	var out []*model.Block
	for rows.Next() {
		var b model.Block
		var hash, parentHash, feeRecipient, stateRoot []byte
		if err := rows.Scan(&b.Number, &hash, &parentHash, &b.Timestamp, &feeRecipient, &b.ExtraData, &b.GasUsed, &b.GasLimit, &stateRoot, &b.Size); err != nil {
			return nil, err
		}
		b.Hash = common.BytesToHash(hash)
		b.ParentHash = common.BytesToHash(parentHash)
		b.FeeRecipient = common.BytesToAddress(feeRecipient)
		b.StateRoot = common.BytesToHash(stateRoot)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// LatestBlockNumber returns the highest block number persisted, or 0 if
// the blocks table is empty.
func (s *Store) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var max uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(number), 0) FROM blocks`).Scan(&max)
	if err != nil {
		return 0, ingesterr.New(ingesterr.Transient, "store", "select latest block number", err)
	}
	return max, nil
}

// --- Balance deltas ---

func (s *Store) UpsertBalanceDeltas(ctx context.Context, deltas []model.BalanceDelta) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.UpsertBalanceDeltasTx(ctx, tx, deltas)
	})
}

// UpsertBalanceDeltasTx is UpsertBalanceDeltas scoped to an already-open
// transaction.
func (s *Store) UpsertBalanceDeltasTx(ctx context.Context, tx pgx.Tx, deltas []model.BalanceDelta) error {
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`INSERT INTO balance_deltas (block_number, address, balance_before, balance_after, balance_increase)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (block_number, address) DO UPDATE SET
				balance_before = EXCLUDED.balance_before, balance_after = EXCLUDED.balance_after,
				balance_increase = EXCLUDED.balance_increase`,
			d.BlockNumber, d.Address.Bytes(), numericString(d.BalanceBefore), numericString(d.BalanceAfter), numericString(d.BalanceIncrease))
	}
	return execBatch(ctx, tx, batch)
}

func (s *Store) SelectBalanceDelta(ctx context.Context, blockNumber uint64) (*model.BalanceDelta, error) {
	row := s.pool.QueryRow(ctx, `SELECT block_number, address, balance_before, balance_after, balance_increase
		FROM balance_deltas WHERE block_number = $1 LIMIT 1`, blockNumber)
	var d model.BalanceDelta
	var addr []byte
	var before, after, inc string
	if err := row.Scan(&d.BlockNumber, &addr, &before, &after, &inc); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, ingesterr.New(ingesterr.Transient, "store", "select balance delta", err)
	}
	d.Address = common.BytesToAddress(addr)
	d.BalanceBefore = bigFromString(before)
	d.BalanceAfter = bigFromString(after)
	d.BalanceIncrease = bigFromString(inc)
	return &d, nil
}

// --- Auxiliary builder deltas ---

func (s *Store) UpsertAuxiliaryDeltas(ctx context.Context, deltas []model.AuxiliaryBuilderDelta) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.UpsertAuxiliaryDeltasTx(ctx, tx, deltas)
	})
}

// UpsertAuxiliaryDeltasTx is UpsertAuxiliaryDeltas scoped to an already-open
// transaction.
func (s *Store) UpsertAuxiliaryDeltasTx(ctx context.Context, tx pgx.Tx, deltas []model.AuxiliaryBuilderDelta) error {
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`INSERT INTO auxiliary_builder_deltas (block_number, address, balance_before, balance_after, balance_increase)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (block_number, address) DO UPDATE SET
				balance_before = EXCLUDED.balance_before, balance_after = EXCLUDED.balance_after,
				balance_increase = EXCLUDED.balance_increase`,
			d.BlockNumber, d.Address.Bytes(), numericString(d.BalanceBefore), numericString(d.BalanceAfter), numericString(d.BalanceIncrease))
	}
	return execBatch(ctx, tx, batch)
}

func (s *Store) SelectAuxiliaryDeltas(ctx context.Context, blockNumber uint64) ([]model.AuxiliaryBuilderDelta, error) {
	rows, err := s.pool.Query(ctx, `SELECT block_number, address, balance_before, balance_after, balance_increase
		FROM auxiliary_builder_deltas WHERE block_number = $1`, blockNumber)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "store", "select auxiliary deltas", err)
	}
	defer rows.Close()

	var out []model.AuxiliaryBuilderDelta
	for rows.Next() {
		var d model.AuxiliaryBuilderDelta
		var addr []byte
		var before, after, inc string
		if err := rows.Scan(&d.BlockNumber, &addr, &before, &after, &inc); err != nil {
			return nil, err
		}
		d.Address = common.BytesToAddress(addr)
		d.BalanceBefore = bigFromString(before)
		d.BalanceAfter = bigFromString(after)
		d.BalanceIncrease = bigFromString(inc)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Relay payloads ---

func (s *Store) UpsertRelayPayloads(ctx context.Context, payloads []model.RelayPayload) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.UpsertRelayPayloadsTx(ctx, tx, payloads)
	})
}

// UpsertRelayPayloadsTx is UpsertRelayPayloads scoped to an already-open
// transaction.
func (s *Store) UpsertRelayPayloadsTx(ctx context.Context, tx pgx.Tx, payloads []model.RelayPayload) error {
	batch := &pgx.Batch{}
	for _, p := range payloads {
		batch.Queue(`INSERT INTO relay_payloads
			(relay_identifier, slot, block_number, builder_public_key, proposer_public_key, proposer_fee_recipient, value, gas_used, gas_limit)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (relay_identifier, slot) DO UPDATE SET
				block_number = EXCLUDED.block_number, builder_public_key = EXCLUDED.builder_public_key,
				proposer_public_key = EXCLUDED.proposer_public_key, proposer_fee_recipient = EXCLUDED.proposer_fee_recipient,
				value = EXCLUDED.value, gas_used = EXCLUDED.gas_used, gas_limit = EXCLUDED.gas_limit`,
			p.RelayIdentifier, p.Slot, p.BlockNumber, p.BuilderPublicKey, p.ProposerPublicKey,
			p.ProposerFeeRecipient.Bytes(), numericString(p.Value), p.GasUsed, p.GasLimit)
	}
	return execBatch(ctx, tx, batch)
}

func (s *Store) SelectRelayPayloadsForBlock(ctx context.Context, blockNumber uint64) ([]model.RelayPayload, error) {
	rows, err := s.pool.Query(ctx, `SELECT relay_identifier, slot, block_number, builder_public_key, proposer_public_key, proposer_fee_recipient, value, gas_used, gas_limit
		FROM relay_payloads WHERE block_number = $1`, blockNumber)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "store", "select relay payloads", err)
	}
	defer rows.Close()

	var out []model.RelayPayload
	for rows.Next() {
		var p model.RelayPayload
		var feeRecipient []byte
		var value string
		if err := rows.Scan(&p.RelayIdentifier, &p.Slot, &p.BlockNumber, &p.BuilderPublicKey, &p.ProposerPublicKey, &feeRecipient, &value, &p.GasUsed, &p.GasLimit); err != nil {
			return nil, err
		}
		p.ProposerFeeRecipient = common.BytesToAddress(feeRecipient)
		p.Value = bigFromString(value)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SelectRelayDailyCounts returns one relay's delivered-payload count per
// calendar day it has rows for, date-ascending: the input to gap outlier
// detection. The day a payload belongs to is read off its block's
// timestamp rather than its slot, since that's the column already indexed
// for range queries.
func (s *Store) SelectRelayDailyCounts(ctx context.Context, relayIdentifier string) ([]relay.DailyCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT to_char(b."timestamp", 'YYYY-MM-DD') AS day, COUNT(*)
		FROM relay_payloads rp
		JOIN blocks b ON b.number = rp.block_number
		WHERE rp.relay_identifier = $1
		GROUP BY day ORDER BY day`, relayIdentifier)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "store", "select relay daily counts", err)
	}
	defer rows.Close()

	var out []relay.DailyCount
	for rows.Next() {
		var d relay.DailyCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Adjustments ---

func (s *Store) UpsertAdjustments(ctx context.Context, adjustments []model.Adjustment) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.UpsertAdjustmentsTx(ctx, tx, adjustments)
	})
}

// UpsertAdjustmentsTx is UpsertAdjustments scoped to an already-open
// transaction.
func (s *Store) UpsertAdjustmentsTx(ctx context.Context, tx pgx.Tx, adjustments []model.Adjustment) error {
	batch := &pgx.Batch{}
	for _, a := range adjustments {
		batch.Queue(`INSERT INTO adjustments (slot, relay_identifier, delta_value)
			VALUES ($1,$2,$3)
			ON CONFLICT (slot, relay_identifier) DO UPDATE SET delta_value = EXCLUDED.delta_value`,
			a.Slot, a.RelayIdentifier, numericString(a.DeltaValue))
	}
	return execBatch(ctx, tx, batch)
}

func (s *Store) SelectAdjustmentsForSlot(ctx context.Context, slot uint64) ([]model.Adjustment, error) {
	rows, err := s.pool.Query(ctx, `SELECT slot, relay_identifier, delta_value FROM adjustments WHERE slot = $1`, slot)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "store", "select adjustments", err)
	}
	defer rows.Close()

	var out []model.Adjustment
	for rows.Next() {
		var a model.Adjustment
		var delta string
		if err := rows.Scan(&a.Slot, &a.RelayIdentifier, &delta); err != nil {
			return nil, err
		}
		a.DeltaValue = bigFromString(delta)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Aggregate records ---

func (s *Store) UpsertAggregates(ctx context.Context, records []*model.AggregateRecord) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(`INSERT INTO pbs_aggregate
				(block_number, block_timestamp, builder_name, proposer_name, is_block_vanilla, relays, n_relays,
				 builder_balance_increase, builder_extra_transfers, proposer_subsidy, relay_fee, total_value)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
				ON CONFLICT (block_number) DO UPDATE SET
					block_timestamp = EXCLUDED.block_timestamp, builder_name = EXCLUDED.builder_name,
					proposer_name = EXCLUDED.proposer_name, is_block_vanilla = EXCLUDED.is_block_vanilla,
					relays = EXCLUDED.relays, n_relays = EXCLUDED.n_relays,
					builder_balance_increase = EXCLUDED.builder_balance_increase,
					builder_extra_transfers = EXCLUDED.builder_extra_transfers,
					proposer_subsidy = EXCLUDED.proposer_subsidy, relay_fee = EXCLUDED.relay_fee,
					total_value = EXCLUDED.total_value`,
				r.BlockNumber, r.BlockTimestamp, r.BuilderName, r.ProposerName, r.IsBlockVanilla, r.Relays, r.NRelays,
				floatString(r.BuilderBalanceIncrease), floatString(r.BuilderExtraTransfers), floatString(r.ProposerSubsidy),
				floatString(r.RelayFee), floatString(r.TotalValue))
		}
		return execBatch(ctx, tx, batch)
	})
}

// --- Checkpoints ---

// GetCheckpoint returns the checkpoint for streamKey, creating a fresh zero
// checkpoint if one does not yet exist.
func (s *Store) GetCheckpoint(ctx context.Context, streamKey string) (*model.CheckpointState, error) {
	var cp model.CheckpointState
	err := s.pool.QueryRow(ctx, `SELECT stream_key, cursor, last_processed_marker, completed, updated_at
		FROM checkpoints WHERE stream_key = $1`, streamKey).
		Scan(&cp.StreamKey, &cp.Cursor, &cp.LastProcessedMarker, &cp.Completed, &cp.UpdatedAt)
	if err == nil {
		return &cp, nil
	}
	if err != pgx.ErrNoRows {
		return nil, ingesterr.New(ingesterr.Transient, "store", "get checkpoint", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO checkpoints (stream_key) VALUES ($1) ON CONFLICT (stream_key) DO NOTHING`, streamKey)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "store", "create checkpoint", err)
	}
	return &model.CheckpointState{StreamKey: streamKey}, nil
}

// AdvanceCheckpoint updates streamKey's cursor/marker/completed within an
// already-open transaction, so the unit's data writes and its checkpoint
// advance commit atomically.
func (s *Store) AdvanceCheckpoint(ctx context.Context, tx pgx.Tx, streamKey, cursor string, marker uint64, completed bool) error {
	_, err := tx.Exec(ctx, `INSERT INTO checkpoints (stream_key, cursor, last_processed_marker, completed, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (stream_key) DO UPDATE SET
			cursor = EXCLUDED.cursor, last_processed_marker = EXCLUDED.last_processed_marker,
			completed = EXCLUDED.completed, updated_at = now()`,
		streamKey, cursor, marker, completed)
	return err
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

func numericString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigFromString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func floatString(v *big.Float) string {
	if v == nil {
		return "0"
	}
	return v.Text('f', 18)
}
