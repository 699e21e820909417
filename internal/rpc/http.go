// Package rpc - HTTP JSON-RPC transport: a multi-endpoint failover client
// serving as the execution-layer batch reader the header and balance
// trackers call.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/retry"
)

// HTTPClient implements Client over HTTP with round-robin + health-based
// endpoint failover across one or more execution-node HTTP endpoints
// behind a single ETH_RPC_URL-configured pool.
type HTTPClient struct {
	endpoints     []string
	currentIndex  int
	healthTracker HealthTracker
	httpClient    *http.Client
	requestID     atomic.Int64
	mu            sync.RWMutex
}

// NewHTTPClient builds an HTTP JSON-RPC client over one or more endpoints.
func NewHTTPClient(endpoints []string, timeout time.Duration, healthTracker HealthTracker) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if healthTracker == nil {
		healthTracker = NewSimpleHealthTracker()
	}
	return &HTTPClient{
		endpoints:     endpoints,
		healthTracker: healthTracker,
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	results, err := c.CallBatch(ctx, []Request{{Method: method, Params: params}})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Value, nil
}

func (c *HTTPClient) CallBatch(ctx context.Context, requests []Request) ([]Result, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	var lastErr error
	attempted := make(map[string]bool)

	for len(attempted) < len(c.endpoints) {
		endpoint := c.getNextHealthyEndpoint(attempted)
		if endpoint == "" {
			break
		}
		attempted[endpoint] = true

		results, err := c.callBatchEndpoint(ctx, endpoint, requests)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}

	return nil, ingesterr.New(ingesterr.Transient, "rpc", "all RPC endpoints failed", lastErr)
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) callBatchEndpoint(ctx context.Context, endpoint string, requests []Request) ([]Result, error) {
	start := time.Now()

	ids := make([]int64, len(requests))
	batch := make([]map[string]interface{}, len(requests))
	for i, req := range requests {
		ids[i] = c.requestID.Add(1)
		batch[i] = map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      ids[i],
			"method":  req.Method,
			"params":  req.Params,
		}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.healthTracker.RecordFailure(endpoint, fmt.Errorf("http 429"))
		return nil, ingesterr.New(ingesterr.RateLimited, "rpc", "endpoint rate limited", nil)
	}
	if resp.StatusCode != http.StatusOK {
		c.healthTracker.RecordFailure(endpoint, fmt.Errorf("http %d", resp.StatusCode))
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}

	var batchResp []Response
	// Single-request batches of size 1 still arrive as a JSON array from a
	// spec-compliant node, but some endpoints reply with a bare object for
	// a one-element batch; accept both shapes.
	if len(requests) == 1 && len(respBody) > 0 && respBody[0] == '{' {
		var single Response
		if err := json.Unmarshal(respBody, &single); err != nil {
			c.healthTracker.RecordFailure(endpoint, err)
			return nil, fmt.Errorf("parse response: %w", err)
		}
		batchResp = []Response{single}
	} else if err := json.Unmarshal(respBody, &batchResp); err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("parse batch response: %w", err)
	}

	byID := make(map[int64]Response, len(batchResp))
	for _, r := range batchResp {
		byID[r.ID] = r
	}

	results := make([]Result, len(requests))
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			results[i] = Result{Err: ingesterr.New(ingesterr.ContractViolation, "rpc", "missing response for batched request", nil)}
			continue
		}
		if r.Error != nil {
			results[i] = Result{Err: r.Error}
			continue
		}
		results[i] = Result{Value: r.Result}
	}

	c.healthTracker.RecordSuccess(endpoint, time.Since(start).Milliseconds())
	return results, nil
}

func (c *HTTPClient) getNextHealthyEndpoint(attempted map[string]bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.endpoints); i++ {
		idx := (c.currentIndex + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		if attempted[endpoint] {
			continue
		}
		if c.healthTracker.IsHealthy(endpoint) {
			c.currentIndex = (idx + 1) % len(c.endpoints)
			return endpoint
		}
	}
	for _, endpoint := range c.endpoints {
		if !attempted[endpoint] {
			return endpoint
		}
	}
	return ""
}

// HeaderReader batches eth_getBlockByNumber(false) reads through a Client,
// chunking and bounding concurrency per the pipeline's RPC tunables.
type HeaderReader struct {
	client      Client
	chunkSize   int
	concurrency int
	policy      retry.Policy
}

func NewHeaderReader(client Client, chunkSize, concurrency int, policy retry.Policy) *HeaderReader {
	return &HeaderReader{client: client, chunkSize: chunkSize, concurrency: concurrency, policy: policy}
}

// GetBlockHeaders fetches headers for numbers, preserving input order in
// the returned slice regardless of chunk completion order.
func (r *HeaderReader) GetBlockHeaders(ctx context.Context, numbers []uint64) ([]*model.Block, error) {
	out := make([]*model.Block, len(numbers))
	chunks := chunkIndices(len(numbers), r.chunkSize)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	errs := make([]error, len(chunks))

	for ci, chunk := range chunks {
		ci, chunk := ci, chunk
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := r.policy.Do(ctx, func() error {
				reqs := make([]Request, len(chunk))
				for j, idx := range chunk {
					reqs[j] = Request{
						Method: "eth_getBlockByNumber",
						Params: []interface{}{hexutil.EncodeUint64(numbers[idx]), false},
					}
				}
				results, err := r.client.CallBatch(ctx, reqs)
				if err != nil {
					return err
				}
				for j, idx := range chunk {
					if results[j].Err != nil {
						return ingesterr.New(ingesterr.DataFormat, "rpc", "block header fetch failed", results[j].Err)
					}
					blk, err := decodeBlockHeader(results[j].Value)
					if err != nil {
						return ingesterr.New(ingesterr.DataFormat, "rpc", "block header decode failed", err)
					}
					out[idx] = blk
				}
				return nil
			})
			errs[ci] = retry.Unwrap(err)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BalanceQuery requests the balance of Address at BlockNumber.
type BalanceQuery struct {
	Address     common.Address
	BlockNumber uint64
}

// GetBalances fetches eth_getBalance for each query, in order, as wei.
func (r *HeaderReader) GetBalances(ctx context.Context, queries []BalanceQuery) ([]*big.Int, error) {
	out := make([]*big.Int, len(queries))
	chunks := chunkIndices(len(queries), r.chunkSize)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	errs := make([]error, len(chunks))

	for ci, chunk := range chunks {
		ci, chunk := ci, chunk
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := r.policy.Do(ctx, func() error {
				reqs := make([]Request, len(chunk))
				for j, idx := range chunk {
					q := queries[idx]
					reqs[j] = Request{
						Method: "eth_getBalance",
						Params: []interface{}{q.Address.Hex(), hexutil.EncodeUint64(q.BlockNumber)},
					}
				}
				results, err := r.client.CallBatch(ctx, reqs)
				if err != nil {
					return err
				}
				for j, idx := range chunk {
					if results[j].Err != nil {
						return ingesterr.New(ingesterr.DataFormat, "rpc", "balance fetch failed", results[j].Err)
					}
					var hexStr string
					if err := json.Unmarshal(results[j].Value, &hexStr); err != nil {
						return ingesterr.New(ingesterr.DataFormat, "rpc", "balance decode failed", err)
					}
					wei, err := hexutil.DecodeBig(hexStr)
					if err != nil {
						return ingesterr.New(ingesterr.DataFormat, "rpc", "balance hex decode failed", err)
					}
					out[idx] = wei
				}
				return nil
			})
			errs[ci] = retry.Unwrap(err)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// wireBlockHeader is the subset of eth_getBlockByNumber's JSON shape the
// pipeline needs; full transaction bodies are never requested.
type wireBlockHeader struct {
	Number       string `json:"number"`
	Hash         string `json:"hash"`
	ParentHash   string `json:"parentHash"`
	Timestamp    string `json:"timestamp"`
	Miner        string `json:"miner"`
	ExtraData    string `json:"extraData"`
	GasUsed      string `json:"gasUsed"`
	GasLimit     string `json:"gasLimit"`
	StateRoot    string `json:"stateRoot"`
	Size         string `json:"size"`
}

func decodeBlockHeader(raw json.RawMessage) (*model.Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("block not found")
	}
	var w wireBlockHeader
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	number, err := hexutil.DecodeUint64(w.Number)
	if err != nil {
		return nil, fmt.Errorf("decode number: %w", err)
	}
	ts, err := hexutil.DecodeUint64(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decode timestamp: %w", err)
	}
	gasUsed, err := hexutil.DecodeUint64(w.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("decode gasUsed: %w", err)
	}
	gasLimit, err := hexutil.DecodeUint64(w.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("decode gasLimit: %w", err)
	}
	size, err := hexutil.DecodeUint64(w.Size)
	if err != nil {
		return nil, fmt.Errorf("decode size: %w", err)
	}
	extra, err := hexutil.Decode(w.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("decode extraData: %w", err)
	}

	return &model.Block{
		Number:       number,
		Hash:         common.HexToHash(w.Hash),
		ParentHash:   common.HexToHash(w.ParentHash),
		Timestamp:    time.Unix(int64(ts), 0).UTC(),
		FeeRecipient: common.HexToAddress(w.Miner),
		ExtraData:    extra,
		GasUsed:      gasUsed,
		GasLimit:     gasLimit,
		StateRoot:    common.HexToHash(w.StateRoot),
		Size:         size,
	}, nil
}

func chunkIndices(n, size int) [][]int {
	if size <= 0 {
		size = n
	}
	var chunks [][]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		chunks = append(chunks, idx)
	}
	return chunks
}
