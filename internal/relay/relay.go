// Package relay collects delivered-payload data from MEV-Boost relays:
// cursor-paginated HTTP reads bounded by a per-relay token bucket, with
// retry and rate-limit handling shared with the RPC client.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/retry"
)

// Driver pages one relay's delivered-payload feed using a cursor paginator
// backed by a golang.org/x/time/rate token bucket.
type Driver struct {
	Identifier string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	pageSize   int
}

func NewDriver(identifier, baseURL string, rateLimitPerSec float64, burst int, pageSize int, policy retry.Policy) *Driver {
	return &Driver{
		Identifier: identifier,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rateLimitPerSec), burst),
		policy:     policy,
		pageSize:   pageSize,
	}
}

// wireBidTrace mirrors a relay's proposer_payload_delivered entry.
type wireBidTrace struct {
	Slot                 string `json:"slot"`
	BlockNumber          string `json:"block_number"`
	BuilderPubkey        string `json:"builder_pubkey"`
	ProposerPubkey       string `json:"proposer_pubkey"`
	ProposerFeeRecipient string `json:"proposer_fee_recipient"`
	Value                string `json:"value"`
	GasUsed              string `json:"gas_used"`
	GasLimit             string `json:"gas_limit"`
}

// Page fetches one page starting at cursor (a slot number as a decimal
// string, "" for the most recent page) and returns the decoded payloads
// plus the cursor to request next, in the relay's newest-first order.
func (d *Driver) Page(ctx context.Context, cursor string) ([]model.RelayPayload, string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, "", ingesterr.New(ingesterr.Transient, "relay:"+d.Identifier, "rate limiter wait cancelled", err)
	}

	var payloads []model.RelayPayload
	err := d.policy.Do(ctx, func() error {
		url := fmt.Sprintf("%s/relay/v1/data/bidtraces/proposer_payload_delivered?limit=%d", d.baseURL, d.pageSize)
		if cursor != "" {
			url += "&cursor=" + cursor
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return ingesterr.New(ingesterr.Transient, "relay:"+d.Identifier, "request failed", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ingesterr.New(ingesterr.Transient, "relay:"+d.Identifier, "read body failed", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return ingesterr.New(ingesterr.RateLimited, "relay:"+d.Identifier, "http 429", nil)
		}
		if resp.StatusCode != http.StatusOK {
			return ingesterr.New(ingesterr.Transient, "relay:"+d.Identifier, fmt.Sprintf("http %d", resp.StatusCode), nil)
		}

		var traces []wireBidTrace
		if err := json.Unmarshal(body, &traces); err != nil {
			return ingesterr.New(ingesterr.DataFormat, "relay:"+d.Identifier, "decode response failed", err)
		}

		payloads = make([]model.RelayPayload, 0, len(traces))
		for _, t := range traces {
			p, err := t.decode(d.Identifier)
			if err != nil {
				return ingesterr.New(ingesterr.DataFormat, "relay:"+d.Identifier, "decode bid trace failed", err)
			}
			payloads = append(payloads, p)
		}
		return nil
	})
	if err != nil {
		return nil, "", retry.Unwrap(err)
	}

	next := ""
	if len(payloads) > 0 {
		next = strconv.FormatUint(payloads[len(payloads)-1].Slot-1, 10)
	}
	return payloads, next, nil
}

func (t wireBidTrace) decode(relayIdentifier string) (model.RelayPayload, error) {
	slot, err := strconv.ParseUint(t.Slot, 10, 64)
	if err != nil {
		return model.RelayPayload{}, fmt.Errorf("parse slot: %w", err)
	}
	value, ok := new(big.Int).SetString(t.Value, 10)
	if !ok {
		return model.RelayPayload{}, fmt.Errorf("parse value: %q", t.Value)
	}
	gasUsed, err := strconv.ParseUint(t.GasUsed, 10, 64)
	if err != nil {
		return model.RelayPayload{}, fmt.Errorf("parse gas_used: %w", err)
	}
	gasLimit, err := strconv.ParseUint(t.GasLimit, 10, 64)
	if err != nil {
		return model.RelayPayload{}, fmt.Errorf("parse gas_limit: %w", err)
	}

	p := model.RelayPayload{
		RelayIdentifier:      relayIdentifier,
		Slot:                 slot,
		BuilderPublicKey:     t.BuilderPubkey,
		ProposerPublicKey:    t.ProposerPubkey,
		ProposerFeeRecipient: common.HexToAddress(t.ProposerFeeRecipient),
		Value:                value,
		GasUsed:              gasUsed,
		GasLimit:             gasLimit,
	}
	if t.BlockNumber != "" {
		bn, err := strconv.ParseUint(t.BlockNumber, 10, 64)
		if err != nil {
			return model.RelayPayload{}, fmt.Errorf("parse block_number: %w", err)
		}
		p.BlockNumber = &bn
	}
	return p, nil
}
