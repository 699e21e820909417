package balance

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsdata/ingestor/internal/retry"
	"github.com/pbsdata/ingestor/internal/rpc"
)

// weiByAddressAndBlock fakes an execution node's eth_getBalance responses,
// keyed on the (address, block) pair actually requested, so tests can
// assert on real before/after deltas rather than a method-only stub.
type weiByAddressAndBlock struct {
	values map[string]uint64 // key: address.Hex()+"@"+blockNumber hex
}

func (f *weiByAddressAndBlock) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	panic("not used by GetBalances")
}

func (f *weiByAddressAndBlock) CallBatch(ctx context.Context, requests []rpc.Request) ([]rpc.Result, error) {
	results := make([]rpc.Result, len(requests))
	for i, req := range requests {
		params := req.Params.([]interface{})
		key := params[0].(string) + "@" + params[1].(string)
		wei := f.values[key]
		data, _ := json.Marshal(hexutil.EncodeBig(new(big.Int).SetUint64(wei)))
		results[i] = rpc.Result{Value: data}
	}
	return results, nil
}

func (f *weiByAddressAndBlock) Close() error { return nil }

func TestTracker_Track_ComputesDeltaForFeeRecipientAndAuxiliaries(t *testing.T) {
	feeRecipient := common.HexToAddress("0xAAAA")
	auxAddr := common.HexToAddress("0xBBBB")

	client := &weiByAddressAndBlock{values: map[string]uint64{
		feeRecipient.Hex() + "@" + hexutil.EncodeUint64(9):  100,
		feeRecipient.Hex() + "@" + hexutil.EncodeUint64(10): 140,
		auxAddr.Hex() + "@" + hexutil.EncodeUint64(9):       50,
		auxAddr.Hex() + "@" + hexutil.EncodeUint64(10):      45,
	}}

	reader := rpc.NewHeaderReader(client, 10, 2, retry.Policy{MaxAttempts: 1})
	tracker := NewTracker(reader, []string{auxAddr.Hex()})

	delta, aux, err := tracker.Track(context.Background(), 10, feeRecipient)
	require.NoError(t, err)

	assert.Equal(t, feeRecipient, delta.Address)
	assert.Equal(t, int64(40), delta.BalanceIncrease.Int64())

	require.Len(t, aux, 1)
	assert.Equal(t, auxAddr, aux[0].Address)
	assert.Equal(t, int64(-5), aux[0].BalanceIncrease.Int64())
}
