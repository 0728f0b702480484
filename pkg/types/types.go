// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution core — alerts,
// orders, fills, positions, strategy state, and stream event payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action is the verb carried by an inbound alert.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close" // close the current position for the symbol
	ActionExit  Action = "exit"  // alias for close, emitted by some Pine scripts
)

// Valid reports whether the action is one of the four accepted verbs.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionClose, ActionExit:
		return true
	}
	return false
}

// IsClose reports whether the action flattens rather than opens.
func (a Action) IsClose() bool { return a == ActionClose || a == ActionExit }

// Side is the direction of an order after action resolution.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells, used in fill-price and
// position arithmetic.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is supported.
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusWorking   OrderStatus = "working"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further fills can ever arrive for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Mode governs whether a strategy's orders reach live venues.
type Mode string

const (
	ModeLive      Mode = "live"
	ModePaper     Mode = "paper"
	ModeSuspended Mode = "suspended"
)

// Session classifies market hours for a point in time.
type Session string

const (
	SessionRegular  Session = "regular"
	SessionExtended Session = "extended"
	SessionClosed   Session = "closed"
)

// AssetClass selects the commission and fee schedule.
type AssetClass string

const (
	AssetFutures  AssetClass = "futures"
	AssetEquities AssetClass = "equities"
)

// AccountStatus tracks funded-account rule enforcement state.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountViolated AccountStatus = "violated" // refusing orders until acknowledged
	AccountPaused   AccountStatus = "paused"   // acknowledged, awaiting resume
)

// ————————————————————————————————————————————————————————————————————————
// Rejection codes
// ————————————————————————————————————————————————————————————————————————

// RejectCode is the machine-readable reason attached to every refusal.
type RejectCode string

const (
	RejectRateLimited    RejectCode = "rate_limited"
	RejectBadSignature   RejectCode = "bad_signature"
	RejectSchemaInvalid  RejectCode = "schema_invalid"
	RejectReplay         RejectCode = "replay"
	RejectPayloadSuspect RejectCode = "payload_suspect"
	RejectQueueFull      RejectCode = "queue_full"
	RejectUnknownGroup   RejectCode = "unknown_account_group"
	RejectRiskViolation  RejectCode = "risk_violation"
	RejectDegraded       RejectCode = "degraded"
)

// Rejection is the user-visible refusal shape. CorrelationID lets a client
// line the refusal up with server logs.
type Rejection struct {
	Code          RejectCode `json:"code"`
	Message       string     `json:"message"`
	CorrelationID string     `json:"correlation_id"`
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// Alert is the immutable ingress record for one validated webhook signal.
// ID is derived from the canonical payload hash so retries are idempotent.
type Alert struct {
	ID           string            `json:"alert_id"`
	ReceivedAt   time.Time         `json:"received_at"`
	SourceIP     string            `json:"source_ip"`
	Symbol       string            `json:"symbol"`
	Action       Action            `json:"action"`
	Quantity     float64           `json:"quantity"`
	OrderType    OrderType         `json:"order_type"`
	Price        float64           `json:"price,omitempty"`
	StopPrice    float64           `json:"stop_price,omitempty"`
	AccountGroup string            `json:"account_group"`
	StrategyID   string            `json:"strategy,omitempty"`
	Timeframe    string            `json:"timeframe,omitempty"`
	Comment      string            `json:"comment,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"` // unknown payload fields, retained
	PayloadHash  string            `json:"payload_hash"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is a request submitted to an execution backend.
type Order struct {
	ID           string      `json:"order_id"`
	AlertID      string      `json:"alert_id,omitempty"`
	AccountID    string      `json:"account_id"`
	Backend      string      `json:"backend"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Qty          float64     `json:"qty"`
	Type         OrderType   `json:"type"`
	Limit        float64     `json:"limit,omitempty"`
	Stop         float64     `json:"stop,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	ModeOverride bool        `json:"mode_override,omitempty"` // routed to paper by tracker overlay
	StrategyID   string      `json:"strategy,omitempty"`
	Reason       string      `json:"reason,omitempty"` // populated on rejection
	Warnings     []string    `json:"warnings,omitempty"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 { return o.Qty - o.FilledQty }

// Ack is the backend's answer to a submit.
type Ack struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
}

// Fill is one atomic execution event against an order. The sum of fill
// quantities never exceeds the parent order quantity.
type Fill struct {
	ID         string    `json:"fill_id"`
	OrderID    string    `json:"order_id"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Fees       float64   `json:"fees"`
	Slippage   float64   `json:"slippage"` // signed price impact actually applied
	Timestamp  time.Time `json:"ts"`
}

// Position is the derived state per (account, symbol).
type Position struct {
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	NetQty        float64   `json:"net_qty"` // positive long, negative short
	AvgEntry      float64   `json:"avg_entry"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Multiplier    float64   `json:"multiplier"` // contract multiplier (1 for equities)
	UpdatedAt     time.Time `json:"updated_at"`
}

// Quote is a top-of-book observation used by the simulator and the stream.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"ts"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// ————————————————————————————————————————————————————————————————————————
// Strategy performance
// ————————————————————————————————————————————————————————————————————————

// TradeResult is a completed round-trip attributed to one strategy.
type TradeResult struct {
	StrategyID  string    `json:"strategy"`
	EntryFillID string    `json:"entry_fill_id"`
	ExitFillID  string    `json:"exit_fill_id"`
	Symbol      string    `json:"symbol"`
	PnL         float64   `json:"pnl"`
	NetPnL      float64   `json:"net_pnl"` // after commissions and fees
	Win         bool      `json:"win"`
	ModeAtEntry Mode      `json:"mode_at_entry"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Set is a fixed-size window of consecutive completed trades for one strategy.
// Once complete it is immutable.
type Set struct {
	Number      int           `json:"set_number"`
	Trades      []TradeResult `json:"trades"`
	WinRate     float64       `json:"win_rate"`
	NetPnL      float64       `json:"net_pnl"`
	ModeAtStart Mode          `json:"mode_at_start"`
	Complete    bool          `json:"is_complete"`
}

// ModeTransition is a recorded change (or eligibility signal) for a strategy's
// mode, with the evidence that triggered it.
type ModeTransition struct {
	StrategyID string    `json:"strategy"`
	FromMode   Mode      `json:"from_mode"`
	ToMode     string    `json:"to_mode"` // a Mode, or "live_eligible"
	Reason     string    `json:"reason"`
	Operator   string    `json:"operator,omitempty"` // set only on manual changes
	SetNumbers []int     `json:"set_numbers,omitempty"`
	WinRates   []float64 `json:"win_rates,omitempty"` // the window examined
	Timestamp  time.Time `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskViolation is an append-only record of a funded-account rule breach.
type RiskViolation struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Type         string    `json:"type"` // e.g. "daily_loss_cap"
	Severity     string    `json:"severity"`
	Limit        float64   `json:"limit"`
	Observed     float64   `json:"observed"`
	Timestamp    time.Time `json:"ts"`
	Acknowledged bool      `json:"acknowledged"`
}

// FundedRules is the per-account-group rule set enforced before dispatch and
// on every fill.
type FundedRules struct {
	MaxDailyLoss           float64      `json:"max_daily_loss" mapstructure:"max_daily_loss"`
	TrailingDrawdown       float64      `json:"trailing_drawdown" mapstructure:"trailing_drawdown"`
	MaxContracts           float64      `json:"max_contracts" mapstructure:"max_contracts"`
	MaxConcurrentPositions int          `json:"max_concurrent_positions" mapstructure:"max_concurrent_positions"`
	ProfitTarget           float64      `json:"profit_target" mapstructure:"profit_target"`
	AllowedHours           []HourWindow `json:"allowed_hours,omitempty" mapstructure:"allowed_hours"`
	RestrictedSymbols      []string     `json:"restricted_symbols,omitempty" mapstructure:"restricted_symbols"`
	NewsBlackout           bool         `json:"news_blackout" mapstructure:"news_blackout"`
	NewsWindows            []TimeWindow `json:"news_windows,omitempty" mapstructure:"news_windows"`
}

// HourWindow is a daily trading window in exchange-local wall time, "15:04".
type HourWindow struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
}

// TimeWindow is an absolute event window (news blackout and the like).
type TimeWindow struct {
	Start time.Time `json:"start" mapstructure:"start"`
	End   time.Time `json:"end" mapstructure:"end"`
}

// ————————————————————————————————————————————————————————————————————————
// Stream envelopes
// ————————————————————————————————————————————————————————————————————————

// Event is the envelope delivered on the multiplexed client stream.
// Seq is the per-topic producer sequence; clients dedupe on (topic, seq).
type Event struct {
	Type      string    `json:"type"` // quote, order, fill, account, position, strategy_mode_change, violation, subscription_ack, error
	Topic     string    `json:"topic"`
	Seq       uint64    `json:"seq"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"ts"`
}

// NewID returns a fresh UUIDv4 string, the ID scheme for orders, fills,
// violations, and correlation IDs.
func NewID() string { return uuid.NewString() }
