// Package balance tracks the per-block balance movement of a block's fee
// recipient and a fixed set of known auxiliary builder addresses: paired
// before/after reads through the RPC header reader's batch balance
// endpoint.
package balance

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/rpc"
)

// Tracker computes BalanceDelta and AuxiliaryBuilderDelta rows for one
// block, discarding the whole read set on any individual failure so the
// caller retries the block whole.
type Tracker struct {
	reader      *rpc.HeaderReader
	auxiliaries []common.Address
}

func NewTracker(reader *rpc.HeaderReader, auxiliaryAddresses []string) *Tracker {
	addrs := make([]common.Address, len(auxiliaryAddresses))
	for i, a := range auxiliaryAddresses {
		addrs[i] = common.HexToAddress(a)
	}
	return &Tracker{reader: reader, auxiliaries: addrs}
}

// Track reads before/after balances for the fee recipient and every
// configured auxiliary builder address, in one batch per side.
func (t *Tracker) Track(ctx context.Context, blockNumber uint64, feeRecipient common.Address) (model.BalanceDelta, []model.AuxiliaryBuilderDelta, error) {
	addresses := append([]common.Address{feeRecipient}, t.auxiliaries...)

	before, err := t.reader.GetBalances(ctx, queriesAt(addresses, blockNumber-1))
	if err != nil {
		return model.BalanceDelta{}, nil, ingesterr.New(ingesterr.Transient, "balance", "read before-balances failed", err)
	}
	after, err := t.reader.GetBalances(ctx, queriesAt(addresses, blockNumber))
	if err != nil {
		return model.BalanceDelta{}, nil, ingesterr.New(ingesterr.Transient, "balance", "read after-balances failed", err)
	}

	delta := model.NewBalanceDelta(blockNumber, feeRecipient, before[0], after[0])

	aux := make([]model.AuxiliaryBuilderDelta, 0, len(t.auxiliaries))
	for i, addr := range t.auxiliaries {
		idx := i + 1
		aux = append(aux, model.AuxiliaryBuilderDelta{
			BlockNumber:     blockNumber,
			Address:         addr,
			BalanceBefore:   before[idx],
			BalanceAfter:    after[idx],
			BalanceIncrease: new(big.Int).Sub(after[idx], before[idx]),
		})
	}
	return delta, aux, nil
}

func queriesAt(addresses []common.Address, blockNumber uint64) []rpc.BalanceQuery {
	out := make([]rpc.BalanceQuery, len(addresses))
	for i, a := range addresses {
		out[i] = rpc.BalanceQuery{Address: a, BlockNumber: blockNumber}
	}
	return out
}
