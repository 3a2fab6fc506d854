// Package provider defines the ProviderClient port the Smart Router
// dispatches inference requests through, and a small in-process registry
// that caches one client per account (spec §4.5, §6.2), grounded on the
// teacher's MessageHandler/cloudcode client wiring.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

// ChatRequest is the inference request the Router dispatches to a back-end.
// Fields mirror spec §6.1's inbound contract.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int64
	Temperature float64
	Stream      bool
}

// ChatMessage is one turn of a ChatRequest.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatResponse is a successful provider reply, carrying the token counts
// the Router needs for usage accounting.
type ChatResponse struct {
	Content        string
	RequestTokens  int64
	ResponseTokens int64
}

// ProviderClient dispatches requests to one back-end AI provider account.
type ProviderClient interface {
	Send(ctx context.Context, account *domain.Account, req ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context, account *domain.Account) (healthy bool, responseTime time.Duration, err error)
}

// Factory builds a ProviderClient for a given service type. The Registry
// uses this to lazily construct and cache one client per account.
type Factory func(serviceType domain.ServiceType) ProviderClient

// Registry caches one ProviderClient per account id, so connection/auth
// state isn't rebuilt on every dispatch. Entries are dropped on
// authentication failure so the next Send rebuilds from scratch.
type Registry struct {
	factory Factory
	clients sync.Map // accountID -> ProviderClient
}

// NewRegistry builds a Registry backed by factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Get returns the cached client for an account, constructing one via the
// factory on first use.
func (r *Registry) Get(account *domain.Account) ProviderClient {
	if c, ok := r.clients.Load(account.ID); ok {
		return c.(ProviderClient)
	}
	c := r.factory(account.ServiceType)
	actual, _ := r.clients.LoadOrStore(account.ID, c)
	return actual.(ProviderClient)
}

// Invalidate drops the cached client for an account, forcing the next Get
// to rebuild it. Called by the Router after an authentication failure.
func (r *Registry) Invalidate(accountID string) {
	r.clients.Delete(accountID)
}
