// Package adjustment collects relay-published post-hoc bid adjustments —
// corrections a relay issues after initial payload delivery.
// Its Driver pages the adjustment-capable relays with the same cursor and
// retry scheme as the relay package's driver, but is a separate type with
// no token-bucket rate limiter; the backfill stream built on it keeps its
// own checkpoint stream.
package adjustment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/pbsdata/ingestor/internal/ingesterr"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/retry"
)

// Driver pages one relay's adjustment feed.
type Driver struct {
	RelayIdentifier string
	baseURL         string
	httpClient      *http.Client
	policy          retry.Policy
	pageSize        int
}

func NewDriver(relayIdentifier, baseURL string, pageSize int, policy retry.Policy) *Driver {
	return &Driver{
		RelayIdentifier: relayIdentifier,
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		policy:          policy,
		pageSize:        pageSize,
	}
}

type wireAdjustment struct {
	Slot       string `json:"slot"`
	DeltaValue string `json:"value_delta"`
}

// Page fetches one page of adjustments starting at cursor (a slot number
// as a decimal string), newest-first, matching the relay pagination
// contract used for payload delivery.
func (d *Driver) Page(ctx context.Context, cursor string) ([]model.Adjustment, string, error) {
	var out []model.Adjustment
	err := d.policy.Do(ctx, func() error {
		url := fmt.Sprintf("%s/relay/v1/data/bidtraces/adjustments?limit=%d", d.baseURL, d.pageSize)
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return ingesterr.New(ingesterr.Transient, "adjustment:"+d.RelayIdentifier, "request failed", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ingesterr.New(ingesterr.Transient, "adjustment:"+d.RelayIdentifier, "read body failed", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return ingesterr.New(ingesterr.RateLimited, "adjustment:"+d.RelayIdentifier, "http 429", nil)
		}
		if resp.StatusCode != http.StatusOK {
			return ingesterr.New(ingesterr.Transient, "adjustment:"+d.RelayIdentifier, fmt.Sprintf("http %d", resp.StatusCode), nil)
		}

		var wire []wireAdjustment
		if err := json.Unmarshal(body, &wire); err != nil {
			return ingesterr.New(ingesterr.DataFormat, "adjustment:"+d.RelayIdentifier, "decode response failed", err)
		}

		out = make([]model.Adjustment, 0, len(wire))
		for _, w := range wire {
			slot, err := strconv.ParseUint(w.Slot, 10, 64)
			if err != nil {
				return ingesterr.New(ingesterr.DataFormat, "adjustment:"+d.RelayIdentifier, "parse slot failed", err)
			}
			delta, ok := new(big.Int).SetString(w.DeltaValue, 10)
			if !ok {
				return ingesterr.New(ingesterr.DataFormat, "adjustment:"+d.RelayIdentifier, "parse value_delta failed", nil)
			}
			out = append(out, model.Adjustment{Slot: slot, RelayIdentifier: d.RelayIdentifier, DeltaValue: delta})
		}
		return nil
	})
	if err != nil {
		return nil, "", retry.Unwrap(err)
	}

	next := ""
	if len(out) > 0 {
		next = strconv.FormatUint(out[len(out)-1].Slot-1, 10)
	}
	return out, next, nil
}
