// Package broker defines the execution-backend capability interface and the
// REST adapters for the live brokers. The paper simulator implements the
// same interface, so the router treats live venues, broker sandboxes, and
// the simulator identically.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// CancelStatus is the outcome of a cancel request.
type CancelStatus string

const (
	CancelOK              CancelStatus = "ok"
	CancelNotFound        CancelStatus = "not_found"
	CancelAlreadyTerminal CancelStatus = "already_terminal"
)

// Health is the adapter's connectivity view, surfaced on /api/status.
type Health struct {
	Connected bool      `json:"connected"`
	Degraded  bool      `json:"degraded"`
	LastOK    time.Time `json:"last_ok"`
	LastError string    `json:"last_error,omitempty"`
}

// AccountSnapshot is the backend's authoritative balances and positions.
// Live broker state is externally owned; this is the read-through view.
type AccountSnapshot struct {
	AccountID   string           `json:"account_id"`
	Balance     float64          `json:"balance"`
	Equity      float64          `json:"equity"`
	BuyingPower float64          `json:"buying_power"`
	DayPnL      float64          `json:"day_pnl"`
	Positions   []types.Position `json:"positions"`
	AsOf        time.Time        `json:"as_of"`
}

// ErrDegraded is returned by a backend that has disabled itself after an
// internal invariant failure; the router refuses new traffic for it.
var ErrDegraded = errors.New("backend degraded")

// Broker is the capability every execution backend provides.
//
// Submit must be idempotent when retried with the same (AccountID, AlertID)
// pair: a retry after an indeterminate failure either returns the original
// ack or places the order exactly once. SubscribeFills returns a channel
// that stays open until ctx is cancelled or the adapter shuts down, and
// resumes after lastSeenFillID on reconnect.
type Broker interface {
	Name() string
	Submit(ctx context.Context, order types.Order) (types.Ack, error)
	Cancel(ctx context.Context, orderID string) (CancelStatus, error)
	Flatten(ctx context.Context, accountID string) error
	SubscribeFills(ctx context.Context, accountID, lastSeenFillID string) (<-chan types.Fill, error)
	AccountSnapshot(ctx context.Context, accountID string) (AccountSnapshot, error)
	Health() Health
}

// Registry resolves backend names to adapters. The backing map is replaced
// wholesale on reload, so lookups never contend with reconfiguration.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Broker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Broker)}
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Lookup returns the backend for a name.
func (r *Registry) Lookup(name string) (Broker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// HealthAll returns the health of every registered backend.
func (r *Registry) HealthAll() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.backends))
	for name, b := range r.backends {
		out[name] = b.Health()
	}
	return out
}

// All returns every registered backend.
func (r *Registry) All() []Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Broker, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}
