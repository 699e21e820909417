// Package aggregator fuses Block, BalanceDelta, AuxiliaryBuilderDelta,
// RelayPayload, and Adjustment rows into one AggregateRecord per block.
// Aggregate is fully rerunnable: it only reads its inputs for the
// requested range and recomputes every output row from scratch.
package aggregator

import (
	"context"
	"math/big"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/normalize"
)

// Reader is the subset of the store the aggregator depends on, named
// narrowly so tests can supply an in-memory fake.
type Reader interface {
	SelectBlockRange(ctx context.Context, lo, hi uint64) ([]*model.Block, error)
	SelectRelayPayloadsForBlock(ctx context.Context, blockNumber uint64) ([]model.RelayPayload, error)
	SelectBalanceDelta(ctx context.Context, blockNumber uint64) (*model.BalanceDelta, error)
	SelectAuxiliaryDeltas(ctx context.Context, blockNumber uint64) ([]model.AuxiliaryBuilderDelta, error)
	SelectAdjustmentsForSlot(ctx context.Context, slot uint64) ([]model.Adjustment, error)
}

// Writer is the subset of the store the aggregator writes through.
type Writer interface {
	UpsertAggregates(ctx context.Context, records []*model.AggregateRecord) error
}

// Aggregate recomputes and upserts AggregateRecord rows for every block in
// [lo, hi].
func Aggregate(ctx context.Context, reader Reader, writer Writer, lo, hi uint64) (int, error) {
	blocks, err := reader.SelectBlockRange(ctx, lo, hi)
	if err != nil {
		return 0, ingesterr.New(ingesterr.Transient, "aggregator", "read block range failed", err)
	}

	records := make([]*model.AggregateRecord, 0, len(blocks))
	for _, block := range blocks {
		record, err := aggregateOne(ctx, reader, block)
		if err != nil {
			return 0, err
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return 0, nil
	}
	if err := writer.UpsertAggregates(ctx, records); err != nil {
		return 0, ingesterr.New(ingesterr.Transient, "aggregator", "write aggregates failed", err)
	}
	return len(records), nil
}

func aggregateOne(ctx context.Context, reader Reader, block *model.Block) (*model.AggregateRecord, error) {
	payloads, err := reader.SelectRelayPayloadsForBlock(ctx, block.Number)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "aggregator", "read relay payloads failed", err)
	}

	// Rule 2: relays in the order the store returned the rows. The store's
	// query sets no ORDER BY and keeps no insertion sequence, so this order
	// is not guaranteed to be the order the payloads were collected in.
	relays := make([]string, 0, len(payloads))
	for _, p := range payloads {
		relays = append(relays, p.RelayIdentifier)
	}

	// Rule 3.
	isVanilla := len(payloads) == 0

	// Rule 4: max value across relay payloads, wei -> eth.
	proposerSubsidy := big.NewFloat(0)
	var slot uint64
	var haveSlot bool
	if !isVanilla {
		maxValue := payloads[0].Value
		slot = payloads[0].Slot
		haveSlot = true
		for _, p := range payloads[1:] {
			if p.Value.Cmp(maxValue) > 0 {
				maxValue = p.Value
			}
		}
		proposerSubsidy = model.WeiToEth(maxValue)
	}

	// Rule 5: sum adjustments for the block's slot, wei -> eth.
	relayFee := big.NewFloat(0)
	if haveSlot {
		adjustments, err := reader.SelectAdjustmentsForSlot(ctx, slot)
		if err != nil {
			return nil, ingesterr.New(ingesterr.Transient, "aggregator", "read adjustments failed", err)
		}
		sum := new(big.Int)
		for _, a := range adjustments {
			sum.Add(sum, a.DeltaValue)
		}
		relayFee = model.WeiToEth(sum)
	}

	// Rule 6: builder balance increase, absent row -> 0.
	builderBalanceIncrease := big.NewFloat(0)
	balanceDelta, err := reader.SelectBalanceDelta(ctx, block.Number)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "aggregator", "read balance delta failed", err)
	}
	if balanceDelta != nil {
		builderBalanceIncrease = model.WeiToEth(balanceDelta.BalanceIncrease)
	}

	// Rule 7: sum of auxiliary builder deltas, wei -> eth.
	auxDeltas, err := reader.SelectAuxiliaryDeltas(ctx, block.Number)
	if err != nil {
		return nil, ingesterr.New(ingesterr.Transient, "aggregator", "read auxiliary deltas failed", err)
	}
	auxSum := new(big.Int)
	for _, a := range auxDeltas {
		auxSum.Add(auxSum, a.BalanceIncrease)
	}
	builderExtraTransfers := model.WeiToEth(auxSum)

	// Rule 8: naive_total and the refund-offset rule.
	naiveTotal := new(big.Float).Add(builderBalanceIncrease, proposerSubsidy)
	var totalValue *big.Float
	if naiveTotal.Sign() < 0 {
		totalValue = new(big.Float).Add(naiveTotal, builderExtraTransfers)
	} else {
		totalValue = new(big.Float).Copy(naiveTotal)
	}

	// Rule 9.
	builderName := normalize.BuilderName(string(block.ExtraData))

	// Rule 10.
	proposerName := "unknown"
	if !isVanilla {
		proposerName = normalize.ProposerName(payloads[0].ProposerPublicKey)
	}

	return &model.AggregateRecord{
		BlockNumber:            block.Number,
		BlockTimestamp:         block.Timestamp,
		BuilderName:            builderName,
		ProposerName:           proposerName,
		IsBlockVanilla:         isVanilla,
		Relays:                 relays,
		NRelays:                len(relays),
		BuilderBalanceIncrease: builderBalanceIncrease,
		BuilderExtraTransfers:  builderExtraTransfers,
		ProposerSubsidy:        proposerSubsidy,
		RelayFee:               relayFee,
		TotalValue:             totalValue,
	}, nil
}
