package store

import "context"

// migrations is applied in order at startup, each migration in its own
// transaction, tracked by schema_migrations so repeated runs are no-ops.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		number BIGINT PRIMARY KEY,
		hash BYTEA NOT NULL,
		parent_hash BYTEA NOT NULL,
		"timestamp" TIMESTAMPTZ NOT NULL,
		fee_recipient BYTEA NOT NULL,
		extra_data BYTEA NOT NULL,
		gas_used BIGINT NOT NULL,
		gas_limit BIGINT NOT NULL,
		state_root BYTEA NOT NULL,
		size BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_timestamp ON blocks ("timestamp")`,
	`CREATE TABLE IF NOT EXISTS balance_deltas (
		block_number BIGINT NOT NULL,
		address BYTEA NOT NULL,
		balance_before NUMERIC NOT NULL,
		balance_after NUMERIC NOT NULL,
		balance_increase NUMERIC NOT NULL,
		PRIMARY KEY (block_number, address)
	)`,
	`CREATE TABLE IF NOT EXISTS auxiliary_builder_deltas (
		block_number BIGINT NOT NULL,
		address BYTEA NOT NULL,
		balance_before NUMERIC NOT NULL,
		balance_after NUMERIC NOT NULL,
		balance_increase NUMERIC NOT NULL,
		PRIMARY KEY (block_number, address)
	)`,
	`CREATE TABLE IF NOT EXISTS relay_payloads (
		relay_identifier TEXT NOT NULL,
		slot BIGINT NOT NULL,
		block_number BIGINT,
		builder_public_key TEXT NOT NULL,
		proposer_public_key TEXT NOT NULL,
		proposer_fee_recipient BYTEA NOT NULL,
		value NUMERIC NOT NULL,
		gas_used BIGINT NOT NULL,
		gas_limit BIGINT NOT NULL,
		PRIMARY KEY (relay_identifier, slot)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_payloads_block ON relay_payloads (block_number)`,
	`CREATE TABLE IF NOT EXISTS adjustments (
		slot BIGINT NOT NULL,
		relay_identifier TEXT NOT NULL,
		delta_value NUMERIC NOT NULL,
		PRIMARY KEY (slot, relay_identifier)
	)`,
	`CREATE TABLE IF NOT EXISTS pbs_aggregate (
		block_number BIGINT PRIMARY KEY,
		block_timestamp TIMESTAMPTZ NOT NULL,
		builder_name TEXT NOT NULL,
		proposer_name TEXT NOT NULL,
		is_block_vanilla BOOLEAN NOT NULL,
		relays TEXT[] NOT NULL,
		n_relays INT NOT NULL,
		builder_balance_increase NUMERIC NOT NULL,
		builder_extra_transfers NUMERIC NOT NULL,
		proposer_subsidy NUMERIC NOT NULL,
		relay_fee NUMERIC NOT NULL,
		total_value NUMERIC NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pbs_aggregate_timestamp ON pbs_aggregate (block_timestamp)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		stream_key TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		last_processed_marker BIGINT NOT NULL DEFAULT 0,
		completed BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies every not-yet-applied migration in order.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrations[0]); err != nil {
		return err
	}
	for version, stmt := range migrations {
		var applied bool
		err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&applied)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}
