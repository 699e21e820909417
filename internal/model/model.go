// Package model defines the entities persisted and derived by the ingestion
// pipeline: blocks, balance deltas, relay payloads, relay adjustments, the
// aggregate PBS record, and per-stream checkpoints.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Block is the canonical per-block header fact, keyed by Number.
// Immutable after insert; upsert-by-number is the only mutation.
type Block struct {
	Number       uint64
	Hash         common.Hash
	ParentHash   common.Hash
	Timestamp    time.Time
	FeeRecipient common.Address
	ExtraData    []byte
	GasUsed      uint64
	GasLimit     uint64
	StateRoot    common.Hash
	Size         uint64
}

// BalanceDelta records the signed change in an address's on-chain balance
// across one block. BalanceIncrease may be negative.
type BalanceDelta struct {
	BlockNumber     uint64
	Address         common.Address
	BalanceBefore   *big.Int
	BalanceAfter    *big.Int
	BalanceIncrease *big.Int // BalanceAfter - BalanceBefore
}

// NewBalanceDelta computes BalanceIncrease from before/after.
func NewBalanceDelta(blockNumber uint64, address common.Address, before, after *big.Int) BalanceDelta {
	inc := new(big.Int).Sub(after, before)
	return BalanceDelta{
		BlockNumber:     blockNumber,
		Address:         address,
		BalanceBefore:   before,
		BalanceAfter:    after,
		BalanceIncrease: inc,
	}
}

// AuxiliaryBuilderDelta is a BalanceDelta scoped to one of a fixed set of
// known auxiliary builder addresses, keyed by (BlockNumber, Address).
type AuxiliaryBuilderDelta struct {
	BlockNumber     uint64
	Address         common.Address
	BalanceBefore   *big.Int
	BalanceAfter    *big.Int
	BalanceIncrease *big.Int
}

// RelayPayload is one relay's record of a delivered (or merely bid) builder
// payload, keyed by (RelayIdentifier, Slot).
type RelayPayload struct {
	RelayIdentifier      string
	Slot                 uint64
	BlockNumber          *uint64 // nil for bids without a winning delivery
	BuilderPublicKey     string
	ProposerPublicKey    string
	ProposerFeeRecipient common.Address
	Value                *big.Int // wei, unsigned
	GasUsed              uint64
	GasLimit             uint64
}

// Adjustment is a relay-published post-hoc bid adjustment, keyed by Slot.
type Adjustment struct {
	Slot           uint64
	RelayIdentifier string
	DeltaValue     *big.Int // wei, signed
}

// AggregateRecord is the derived, fully recomputable per-block PBS fact
// produced by the aggregator. Owned exclusively by the
// aggregator; no other component writes it.
type AggregateRecord struct {
	BlockNumber            uint64
	BlockTimestamp          time.Time
	BuilderName             string
	ProposerName             string
	IsBlockVanilla           bool
	Relays                   []string // ordered multiset, insertion order
	NRelays                  int
	BuilderBalanceIncrease   *big.Float // eth, signed
	BuilderExtraTransfers    *big.Float // eth
	ProposerSubsidy          *big.Float // eth, >= 0
	RelayFee                 *big.Float // eth, signed
	TotalValue               *big.Float // eth, signed
}

// CheckpointState is the per-stream resumption marker.
// Cursor is the relay/backfill-specific pagination token (may be empty).
// LastProcessedMarker is the highest block number / slot / date index the
// stream has durably committed. Completed is set by the paginated relay
// and adjustment streams once their feed returns an empty page, and is
// otherwise left false.
type CheckpointState struct {
	StreamKey            string
	Cursor               string
	LastProcessedMarker  uint64
	Completed            bool
	UpdatedAt            time.Time
}

// WeiToEth converts a wei-denominated big.Int into an eth-denominated
// big.Float, dividing by 10^18 only at this final presentation step so that
// all intermediate arithmetic stays exact integer math.
func WeiToEth(wei *big.Int) *big.Float {
	if wei == nil {
		return big.NewFloat(0)
	}
	f := new(big.Float).SetInt(wei)
	return f.Quo(f, weiPerEth)
}

var weiPerEth = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
