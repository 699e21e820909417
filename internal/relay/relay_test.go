package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsdata/ingestor/internal/retry"
)

func TestDriver_Page_DecodesBidTraces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"slot":"50","block_number":"1000","builder_pubkey":"0xb1","proposer_pubkey":"0xp1","proposer_fee_recipient":"0xfee1","value":"2000000000000000000","gas_used":"21000","gas_limit":"30000000"},
			{"slot":"49","builder_pubkey":"0xb2","proposer_pubkey":"0xp2","proposer_fee_recipient":"0xfee2","value":"1000000000000000000","gas_used":"21000","gas_limit":"30000000"}
		]`))
	}))
	defer server.Close()

	d := NewDriver("ultrasound", server.URL, 100, 10, 50, retry.Policy{MaxAttempts: 1})
	payloads, next, err := d.Page(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	assert.Equal(t, uint64(50), payloads[0].Slot)
	require.NotNil(t, payloads[0].BlockNumber)
	assert.Equal(t, uint64(1000), *payloads[0].BlockNumber)
	assert.Nil(t, payloads[1].BlockNumber)
	assert.Equal(t, "ultrasound", payloads[0].RelayIdentifier)
	assert.Equal(t, "48", next)
}

func TestDriver_Page_MalformedResponseIsDataFormatError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	d := NewDriver("ultrasound", server.URL, 100, 10, 50, retry.Policy{MaxAttempts: 1})
	_, _, err := d.Page(context.Background(), "")
	require.Error(t, err)
}
