package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/creds"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// restAdapter is the shared transport for the live broker backends. The
// vendor-specific differences (auth header shape, endpoint host) are settled
// by the preset constructors in presets.go; order placement, cancel,
// flatten, fill streaming, and retry behavior are common.
type restAdapter struct {
	name   string
	http   *resty.Client
	creds  *creds.Store
	scope  string // credential store namespace, e.g. "tradovate"
	logger *slog.Logger

	maxRetries int

	mu     sync.Mutex
	health Health
	// seenAcks caches submit acks by idempotency key so a retried Submit
	// returns the original result instead of double-placing.
	seenAcks map[string]types.Ack
}

const (
	defaultTimeout = 10 * time.Second
	baseBackoff    = 250 * time.Millisecond
	maxBackoff     = 8 * time.Second
)

func newRESTAdapter(name string, cfg config.Broker, sandbox bool, cs *creds.Store, logger *slog.Logger) *restAdapter {
	baseURL := cfg.BaseURL
	if sandbox && cfg.SandboxURL != "" {
		baseURL = cfg.SandboxURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	scope := cfg.CredsScope
	if scope == "" {
		scope = name
	}

	return &restAdapter{
		name:       name,
		http:       httpClient,
		creds:      cs,
		scope:      scope,
		logger:     logger.With("component", "broker", "backend", name),
		maxRetries: retries,
		seenAcks:   make(map[string]types.Ack),
	}
}

func (a *restAdapter) Name() string { return a.name }

// authHeader resolves the bearer token from the credential store per call,
// so rotated tokens take effect without a restart.
func (a *restAdapter) authHeader() (string, error) {
	token, err := a.creds.Get(a.scope, "access_token")
	if err != nil {
		return "", fmt.Errorf("resolve %s token: %w", a.name, err)
	}
	return "Bearer " + token, nil
}

// idempotencyKey identifies one logical submission across retries.
func idempotencyKey(order types.Order) string {
	return order.AccountID + ":" + order.AlertID
}

// Submit places an order. Transient failures (5xx, timeout) back off with
// jitter and retry only after confirming via the idempotency key that the
// prior attempt never reached the book; anything else is terminal rejected.
func (a *restAdapter) Submit(ctx context.Context, order types.Order) (types.Ack, error) {
	key := idempotencyKey(order)

	a.mu.Lock()
	if ack, ok := a.seenAcks[key]; ok {
		a.mu.Unlock()
		return ack, nil
	}
	a.mu.Unlock()

	auth, err := a.authHeader()
	if err != nil {
		return types.Ack{}, err
	}

	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			// Indeterminate outcome: only retry once the broker confirms
			// the key is absent from its book.
			placed, ack, checkErr := a.lookupByKey(ctx, auth, key)
			if checkErr == nil && placed {
				a.recordAck(key, ack)
				a.markOK()
				return ack, nil
			}
			if err := sleepBackoff(ctx, attempt); err != nil {
				return types.Ack{}, err
			}
		}

		var ack types.Ack
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetHeader("Idempotency-Key", key).
			SetBody(order).
			SetResult(&ack).
			Post("/orders")

		switch {
		case err != nil:
			lastErr = fmt.Errorf("submit: %w", err)
			a.markError(lastErr)
			continue // transient: transport-level failure
		case resp.StatusCode() >= 500:
			lastErr = fmt.Errorf("submit: status %d: %s", resp.StatusCode(), resp.String())
			a.markError(lastErr)
			continue
		case resp.StatusCode() >= 400:
			// Permanent broker error: surface as rejected, keep the reason.
			a.markOK()
			ack = types.Ack{OrderID: order.ID, Status: types.StatusRejected, Reason: resp.String()}
			a.recordAck(key, ack)
			return ack, nil
		}

		a.markOK()
		a.recordAck(key, ack)
		return ack, nil
	}

	return types.Ack{}, fmt.Errorf("submit %s after %d attempts: %w", order.ID, a.maxRetries, lastErr)
}

// lookupByKey asks the broker whether an idempotency key already landed.
func (a *restAdapter) lookupByKey(ctx context.Context, auth, key string) (bool, types.Ack, error) {
	var ack types.Ack
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetResult(&ack).
		Get("/orders/by-key/" + key)
	if err != nil {
		return false, types.Ack{}, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, types.Ack{}, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return false, types.Ack{}, fmt.Errorf("lookup key: status %d", resp.StatusCode())
	}
	return true, ack, nil
}

func (a *restAdapter) recordAck(key string, ack types.Ack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seenAcks[key] = ack
}

// Cancel cancels a working order.
func (a *restAdapter) Cancel(ctx context.Context, orderID string) (CancelStatus, error) {
	auth, err := a.authHeader()
	if err != nil {
		return "", err
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		Delete("/orders/" + orderID)
	if err != nil {
		a.markError(err)
		return "", fmt.Errorf("cancel %s: %w", orderID, err)
	}

	a.markOK()
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return CancelOK, nil
	case http.StatusNotFound:
		return CancelNotFound, nil
	case http.StatusConflict:
		return CancelAlreadyTerminal, nil
	default:
		return "", fmt.Errorf("cancel %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
}

// Flatten closes all open positions for the account with market orders.
// Best-effort atomic: the broker executes it server-side.
func (a *restAdapter) Flatten(ctx context.Context, accountID string) error {
	auth, err := a.authHeader()
	if err != nil {
		return err
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		Post("/accounts/" + accountID + "/flatten")
	if err != nil {
		a.markError(err)
		return fmt.Errorf("flatten %s: %w", accountID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("flatten %s: status %d: %s", accountID, resp.StatusCode(), resp.String())
	}
	a.markOK()
	return nil
}

// SubscribeFills streams fills by long-polling the broker's fill feed,
// resuming from lastSeenFillID across reconnects.
func (a *restAdapter) SubscribeFills(ctx context.Context, accountID, lastSeenFillID string) (<-chan types.Fill, error) {
	auth, err := a.authHeader()
	if err != nil {
		return nil, err
	}

	out := make(chan types.Fill, 64)
	go func() {
		defer close(out)
		cursor := lastSeenFillID
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			var fills []types.Fill
			resp, err := a.http.R().
				SetContext(ctx).
				SetHeader("Authorization", auth).
				SetQueryParam("after", cursor).
				SetQueryParam("wait", "30s").
				SetResult(&fills).
				Get("/accounts/" + accountID + "/fills")
			if err != nil || resp.StatusCode() >= 500 {
				if err != nil {
					a.markError(err)
				}
				attempt++
				if sleepBackoff(ctx, attempt) != nil {
					return
				}
				continue
			}
			attempt = 0
			a.markOK()

			for _, f := range fills {
				select {
				case out <- f:
					cursor = f.ID
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AccountSnapshot fetches balances and positions.
func (a *restAdapter) AccountSnapshot(ctx context.Context, accountID string) (AccountSnapshot, error) {
	auth, err := a.authHeader()
	if err != nil {
		return AccountSnapshot{}, err
	}

	var snap AccountSnapshot
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetResult(&snap).
		Get("/accounts/" + accountID)
	if err != nil {
		a.markError(err)
		return AccountSnapshot{}, fmt.Errorf("account snapshot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return AccountSnapshot{}, fmt.Errorf("account snapshot: status %d: %s", resp.StatusCode(), resp.String())
	}
	a.markOK()
	return snap, nil
}

func (a *restAdapter) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

func (a *restAdapter) markOK() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health.Connected = true
	a.health.LastOK = time.Now()
	a.health.LastError = ""
}

func (a *restAdapter) markError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health.Connected = false
	a.health.LastError = err.Error()
}

// sleepBackoff waits for an exponential backoff with full jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := baseBackoff << uint(attempt-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	jittered := time.Duration(rand.Int63n(int64(d))) + d/2
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}
