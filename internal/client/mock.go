package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/apihub-kr/apihub/internal/registry"
	"github.com/apihub-kr/apihub/pkg/domain"
)

var errSimulatedOutage = errors.New("simulated provider outage")

// MockClient is a stand-in provider for local runs and load tests. It
// answers with canned records after an optional synthetic latency, and
// fails a configurable fraction of calls with a NetworkError.
type MockClient struct {
	provider    domain.Provider
	latency     time.Duration
	failureRate float64

	mu    sync.Mutex
	rng   *rand.Rand
	calls int
}

func NewMockClient(provider domain.Provider, latency time.Duration, failureRate float64) *MockClient {
	return &MockClient{
		provider:    provider,
		latency:     latency,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockClient) Provider() domain.Provider { return m.provider }

// Calls reports how many Execute invocations the mock has served.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) Execute(ctx context.Context, op registry.Operation, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls++
	fail := m.failureRate > 0 && m.rng.Float64() < m.failureRate
	m.mu.Unlock()

	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &TimeoutError{Provider: string(m.provider)}
		case <-t.C:
		}
	}
	if fail {
		return nil, &NetworkError{Provider: string(m.provider), Err: errSimulatedOutage}
	}

	symbol, _ := params["symbol"].(string)
	if symbol == "" {
		symbol = "TEST"
	}
	// The payload echoes the request so callers can correlate results
	// without a live provider.
	return map[string]any{
		"provider": string(m.provider),
		"tr_id":    op.ID,
		"params":   params,
		"result":   "SUCCESS",
		"data": map[string]any{
			"symbol":    symbol,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"candles":   []any{},
		},
	}, nil
}
