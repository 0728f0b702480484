// Package ingress terminates TradingView-style webhooks. Every request
// passes the gauntlet in a fixed order: rate limit, size cap, signature,
// schema, hygiene scan, replay window, idempotency. Only then does the
// alert reach the router queue, and a full queue refuses rather than
// blocks — back-pressure must surface to the sender, not stall the ingest
// goroutine.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// SignatureHeader carries the HMAC: "sha256=<hex>".
const SignatureHeader = "X-Webhook-Signature"

type response struct {
	Status        string           `json:"status"` // received | rejected
	AlertID       string           `json:"alert_id,omitempty"`
	Code          types.RejectCode `json:"code,omitempty"`
	Message       string           `json:"message,omitempty"`
	CorrelationID string           `json:"correlation_id"`
}

// Handler is the webhook endpoint.
type Handler struct {
	cfg    config.IngressConfig
	clk    clock.Clock
	logger *slog.Logger
	out    chan<- types.Alert

	// degraded gates intake when persistence cannot keep the audit trail.
	degraded func() bool

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	seen     map[string]time.Time // alert_id -> received_at
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New builds the handler. seed pre-populates the idempotency window with
// alert IDs persisted before a restart.
func New(cfg config.IngressConfig, clk clock.Clock, out chan<- types.Alert, degraded func() bool, seed []string, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With("component", "ingress"),
		out:      out,
		degraded: degraded,
		limiters: make(map[string]*limiterEntry),
		seen:     make(map[string]time.Time),
	}
	now := clk.Now()
	for _, id := range seed {
		h.seen[id] = now
	}
	if cfg.Secret == "" {
		h.logger.Warn("webhook secret not configured, signature checks disabled")
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := types.NewID()
	if r.Method != http.MethodPost {
		h.reject(w, http.StatusMethodNotAllowed, types.RejectSchemaInvalid, "POST only", correlationID)
		return
	}

	ip := sourceIP(r)
	if !h.allow(ip) {
		h.reject(w, http.StatusTooManyRequests, types.RejectRateLimited,
			fmt.Sprintf("rate limit exceeded for %s", ip), correlationID)
		return
	}

	if h.degraded != nil && h.degraded() {
		h.reject(w, http.StatusServiceUnavailable, types.RejectDegraded,
			"persistence degraded, not accepting alerts", correlationID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, types.RejectSchemaInvalid, "unreadable body", correlationID)
		return
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, types.RejectSchemaInvalid,
			fmt.Sprintf("body exceeds %d bytes", h.cfg.MaxBodyBytes), correlationID)
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.reject(w, http.StatusUnauthorized, types.RejectBadSignature, "signature mismatch", correlationID)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			h.reject(w, http.StatusUnsupportedMediaType, types.RejectPayloadSuspect,
				fmt.Sprintf("content type %q is not application/json", ct), correlationID)
			return
		}
	}

	if reason := scanHygiene(body); reason != "" {
		h.logger.Warn("suspect payload refused", "source", ip, "reason", reason)
		h.reject(w, http.StatusBadRequest, types.RejectPayloadSuspect, reason, correlationID)
		return
	}

	now := h.clk.Now()
	alert, err := h.parse(body, ip, now)
	if err != nil {
		h.reject(w, http.StatusBadRequest, types.RejectSchemaInvalid, err.Error(), correlationID)
		return
	}

	if ts, ok := alert.Extras["ts"]; ok {
		if sent, err := parseTimestamp(ts); err == nil {
			skew := now.Sub(sent)
			if skew < 0 {
				skew = -skew
			}
			if skew > h.cfg.ReplayWindow {
				h.reject(w, http.StatusBadRequest, types.RejectReplay,
					fmt.Sprintf("timestamp outside %s replay window", h.cfg.ReplayWindow), correlationID)
				return
			}
		}
	}

	// Duplicates report the same "received" body as first delivery so a
	// retrying sender cannot tell them apart; only the status code differs.
	if h.markSeen(alert.ID, now) {
		h.writeJSON(w, http.StatusOK, response{
			Status: "received", AlertID: alert.ID, CorrelationID: correlationID,
		})
		return
	}

	select {
	case h.out <- alert:
		h.writeJSON(w, http.StatusAccepted, response{
			Status: "received", AlertID: alert.ID, CorrelationID: correlationID,
		})
	default:
		h.forget(alert.ID)
		h.reject(w, http.StatusServiceUnavailable, types.RejectQueueFull,
			"router queue full", correlationID)
	}
}

// allow applies the per-source-IP token bucket, pruning buckets idle for an
// hour so the map cannot grow without bound.
func (h *Handler) allow(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clk.Now()
	entry, ok := h.limiters[ip]
	if !ok {
		entry = &limiterEntry{lim: rate.NewLimiter(rate.Limit(h.cfg.RatePerMinute/60), h.cfg.Burst)}
		h.limiters[ip] = entry
	}
	entry.lastSeen = now

	if len(h.limiters) > 1024 {
		for k, e := range h.limiters {
			if now.Sub(e.lastSeen) > time.Hour {
				delete(h.limiters, k)
			}
		}
	}
	return entry.lim.Allow()
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if h.cfg.Secret == "" {
		h.logger.Warn("accepting unsigned webhook (development mode)")
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(sig)))
}

// markSeen records an alert ID, evicting entries past the idempotency TTL.
// Returns true when the ID was already present.
func (h *Handler) markSeen(alertID string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-h.cfg.IdempotencyTTL)
	for id, at := range h.seen {
		if at.Before(cutoff) {
			delete(h.seen, id)
		}
	}
	if _, dup := h.seen[alertID]; dup {
		return true
	}
	h.seen[alertID] = now
	return false
}

func (h *Handler) forget(alertID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, alertID)
}

// parse coerces the JSON payload into an Alert. Unknown fields land in
// Extras; the canonical hash over every field is the alert identity.
func (h *Handler) parse(body []byte, ip string, now time.Time) (types.Alert, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Alert{}, fmt.Errorf("invalid JSON: %v", err)
	}

	alert := types.Alert{
		ReceivedAt: now,
		SourceIP:   ip,
		OrderType:  types.OrderMarket,
		Extras:     make(map[string]string),
	}

	for key, val := range raw {
		str := stringify(val)
		switch key {
		case "symbol", "ticker":
			alert.Symbol = strings.ToUpper(strings.TrimSpace(str))
		case "action":
			alert.Action = types.Action(strings.ToLower(strings.TrimSpace(str)))
		case "quantity", "qty", "contracts":
			q, err := strconv.ParseFloat(str, 64)
			if err != nil {
				return types.Alert{}, fmt.Errorf("quantity %q is not a number", str)
			}
			alert.Quantity = q
		case "order_type", "type":
			alert.OrderType = types.OrderType(strings.ToLower(strings.TrimSpace(str)))
		case "price", "limit_price":
			alert.Price, _ = strconv.ParseFloat(str, 64)
		case "stop_price":
			alert.StopPrice, _ = strconv.ParseFloat(str, 64)
		case "account_group":
			alert.AccountGroup = strings.TrimSpace(str)
		case "strategy":
			alert.StrategyID = strings.TrimSpace(str)
		case "timeframe":
			alert.Timeframe = str
		case "comment":
			alert.Comment = str
		default:
			alert.Extras[key] = str
		}
	}

	switch {
	case alert.Symbol == "":
		return types.Alert{}, fmt.Errorf("symbol is required")
	case !alert.Action.Valid():
		return types.Alert{}, fmt.Errorf("action %q is not one of buy/sell/close/exit", alert.Action)
	case alert.Quantity <= 0 && !alert.Action.IsClose():
		return types.Alert{}, fmt.Errorf("quantity must be positive")
	case alert.AccountGroup == "":
		return types.Alert{}, fmt.Errorf("account_group is required")
	case !alert.OrderType.Valid():
		return types.Alert{}, fmt.Errorf("order_type %q is not one of market/limit/stop/stop_limit", alert.OrderType)
	}

	alert.PayloadHash = canonicalHash(raw)
	alert.ID = alert.PayloadHash
	return alert, nil
}

// canonicalHash produces a stable identity for a payload regardless of key
// order: sorted key=value pairs, SHA-256, hex.
func canonicalHash(raw map[string]any) string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hash := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(hash, "%s=%s\n", k, stringify(raw[k]))
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		if unix > 1e12 { // milliseconds
			return time.UnixMilli(unix), nil
		}
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) reject(w http.ResponseWriter, status int, code types.RejectCode, message, correlationID string) {
	h.writeJSON(w, status, response{
		Status: "rejected", Code: code, Message: message, CorrelationID: correlationID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
