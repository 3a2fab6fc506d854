package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

// FakeClient is a scripted ProviderClient for tests: SendFunc/HealthFunc
// are called directly, and Calls counts invocations so tests can assert
// retry/failover behaviour without a real network.
type FakeClient struct {
	SendFunc   func(ctx context.Context, account *domain.Account, req ChatRequest) (*ChatResponse, error)
	HealthFunc func(ctx context.Context, account *domain.Account) (bool, time.Duration, error)
	Calls      int64
}

// NewFakeClient builds a FakeClient that always succeeds with a canned
// response, unless overridden.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		SendFunc: func(ctx context.Context, account *domain.Account, req ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Content: "ok", RequestTokens: 10, ResponseTokens: 20}, nil
		},
		HealthFunc: func(ctx context.Context, account *domain.Account) (bool, time.Duration, error) {
			return true, 5 * time.Millisecond, nil
		},
	}
}

// Send records the call and delegates to SendFunc.
func (f *FakeClient) Send(ctx context.Context, account *domain.Account, req ChatRequest) (*ChatResponse, error) {
	atomic.AddInt64(&f.Calls, 1)
	return f.SendFunc(ctx, account, req)
}

// HealthCheck delegates to HealthFunc.
func (f *FakeClient) HealthCheck(ctx context.Context, account *domain.Account) (bool, time.Duration, error) {
	return f.HealthFunc(ctx, account)
}

var _ ProviderClient = (*FakeClient)(nil)
