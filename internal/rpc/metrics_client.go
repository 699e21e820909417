// Package rpc - metrics-recording Client wrapper.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pbsdata/ingestor/internal/metrics"
)

// MetricsClient wraps a Client, recording call count/latency/outcome for
// every Call and CallBatch against the process's Prometheus registry.
type MetricsClient struct {
	client Client
	reg    *metrics.Registry
}

func NewMetricsClient(client Client, reg *metrics.Registry) *MetricsClient {
	return &MetricsClient{client: client, reg: reg}
}

func (m *MetricsClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := m.client.Call(ctx, method, params)
	m.record(method, start, err == nil)
	return result, err
}

func (m *MetricsClient) CallBatch(ctx context.Context, requests []Request) ([]Result, error) {
	start := time.Now()
	results, err := m.client.CallBatch(ctx, requests)
	if err != nil {
		for _, req := range requests {
			m.record(req.Method, start, false)
		}
		return nil, err
	}
	for i, req := range requests {
		m.record(req.Method, start, results[i].Err == nil)
	}
	return results, nil
}

func (m *MetricsClient) Close() error { return m.client.Close() }

func (m *MetricsClient) record(method string, start time.Time, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.reg.RPCCallsTotal.WithLabelValues(method, outcome).Inc()
	m.reg.RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

var _ Client = (*MetricsClient)(nil)
