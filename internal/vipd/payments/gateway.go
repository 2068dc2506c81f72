// Package payments talks to the hosted checkout provider and turns its
// webhook events into finalize calls.
package payments

import (
	"context"
	"fmt"
	"sync"
)

// Outcome is the gateway-reported result of a checkout session.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeExpired   Outcome = "EXPIRED"
)

// CheckoutRequest describes one hosted checkout to create.
type CheckoutRequest struct {
	UserID      string
	Kind        string
	Amount      int64 // minor units
	Description string
	Metadata    map[string]string
}

// CheckoutSession is the gateway's handle for a created checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// Gateway creates hosted checkout sessions.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// Expirer is implemented by gateways that can cancel an open session.
type Expirer interface {
	ExpireCheckoutSession(ctx context.Context, id string) error
}

// FakeGateway is an in-memory Gateway for tests and local development.
type FakeGateway struct {
	mu       sync.Mutex
	Err      error // returned by CreateCheckoutSession when set
	Requests []CheckoutRequest
	Expired  []string
	next     int
}

// CreateCheckoutSession records req and returns a deterministic session.
func (f *FakeGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.next++
	f.Requests = append(f.Requests, req)
	id := fmt.Sprintf("cs_fake_%d", f.next)
	return &CheckoutSession{ID: id, URL: "https://checkout.example.test/" + id}, nil
}

// ExpireCheckoutSession records the expired session id.
func (f *FakeGateway) ExpireCheckoutSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Expired = append(f.Expired, id)
	return nil
}

// RequestCount returns how many sessions were created.
func (f *FakeGateway) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// LastRequest returns the most recent request, if any.
func (f *FakeGateway) LastRequest() (CheckoutRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Requests) == 0 {
		return CheckoutRequest{}, false
	}
	return f.Requests[len(f.Requests)-1], true
}
