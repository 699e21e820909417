package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsdata/ingestor/internal/retry"
)

func jsonRPCBatchServer(t *testing.T, handle func(method string, params []interface{}) (interface{}, error)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []struct {
			ID     int64         `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))

		type rpcResp struct {
			ID      int64       `json:"id"`
			Result  interface{} `json:"result,omitempty"`
			Error   interface{} `json:"error,omitempty"`
			JSONRPC string      `json:"jsonrpc"`
		}
		out := make([]rpcResp, len(batch))
		for i, req := range batch {
			result, err := handle(req.Method, req.Params)
			resp := rpcResp{ID: req.ID, JSONRPC: "2.0"}
			if err != nil {
				resp.Error = map[string]interface{}{"code": -32000, "message": err.Error()}
			} else {
				resp.Result = result
			}
			out[i] = resp
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}))
}

func TestHTTPClient_CallBatch_RoundTrips(t *testing.T) {
	server := jsonRPCBatchServer(t, func(method string, params []interface{}) (interface{}, error) {
		return "0x2a", nil
	})
	defer server.Close()

	client, err := NewHTTPClient([]string{server.URL}, 5*time.Second, nil)
	require.NoError(t, err)

	results, err := client.CallBatch(context.Background(), []Request{{Method: "eth_blockNumber"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.JSONEq(t, `"0x2a"`, string(results[0].Value))
}

func TestHTTPClient_CallBatch_FailsOverToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := jsonRPCBatchServer(t, func(method string, params []interface{}) (interface{}, error) {
		return "0x1", nil
	})
	defer good.Close()

	client, err := NewHTTPClient([]string{bad.URL, good.URL}, 5*time.Second, nil)
	require.NoError(t, err)

	results, err := client.CallBatch(context.Background(), []Request{{Method: "eth_blockNumber"}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
}

func TestHeaderReader_GetBlockHeaders_DecodesAndPreservesOrder(t *testing.T) {
	server := jsonRPCBatchServer(t, func(method string, params []interface{}) (interface{}, error) {
		numHex := params[0].(string)
		return map[string]interface{}{
			"number":     numHex,
			"hash":       "0xaaaa",
			"parentHash": "0xbbbb",
			"timestamp":  "0x64000000",
			"miner":      "0xfeefee",
			"extraData":  "0x",
			"gasUsed":    "0x5208",
			"gasLimit":   "0x1c9c380",
			"stateRoot":  "0xcccc",
			"size":       "0x200",
		}, nil
	})
	defer server.Close()

	client, err := NewHTTPClient([]string{server.URL}, 5*time.Second, nil)
	require.NoError(t, err)

	reader := NewHeaderReader(client, 10, 2, retry.Policy{MaxAttempts: 1})
	blocks, err := reader.GetBlockHeaders(context.Background(), []uint64{5, 10, 1})
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint64(5), blocks[0].Number)
	assert.Equal(t, uint64(10), blocks[1].Number)
	assert.Equal(t, uint64(1), blocks[2].Number)
}

func TestChunkIndices(t *testing.T) {
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, chunkIndices(5, 2))
	assert.Equal(t, [][]int{{0, 1, 2}}, chunkIndices(3, 0))
}
