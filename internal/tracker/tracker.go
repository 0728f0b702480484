// Package tracker observes completed trades per strategy and drives the
// live / paper / suspended mode machine.
//
// Trades accumulate into fixed-size Sets (default 20). After every trade the
// tracker recomputes trailing metrics over the evaluation window and walks a
// deterministic transition table — first match applies, at most one
// transition per trade:
//
//	live      → paper        trailing win rate under the floor
//	live      → suspended    consecutive losing sets (kill switch)
//	paper     → live_eligible consecutive passing sets and enough paper trades
//	suspended → (manual only)
//
// Promotion to live never happens automatically: the paper row only emits an
// eligibility signal, and the mode flips when an operator confirms through
// the API. Replaying the same TradeResult history through the same settings
// always reproduces the same mode.
package tracker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// Settings are the per-strategy evaluation parameters. Zero values fall back
// to the tracker-wide defaults from config.
type Settings struct {
	DisplayName       string  `json:"display_name"`
	SetSize           int     `json:"set_size"`
	EvaluationWindow  int     `json:"evaluation_window"`
	MinWinRate        float64 `json:"min_win_rate"`
	FailureThreshold  int     `json:"consecutive_failure_threshold"`
	SuccessThreshold  int     `json:"consecutive_success_threshold"`
	MinPaperTrades    int     `json:"min_paper_trades"`
	PassingSetWinRate float64 `json:"passing_set_win_rate"`
}

// LifetimeStats aggregates over every trade the strategy has completed.
type LifetimeStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	NetPnL      float64 `json:"net_pnl"`
	PaperTrades int     `json:"paper_trades"`
}

// WinRate returns lifetime wins / trades.
func (s LifetimeStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// TrailingMetrics are computed over the last evaluation_window trades,
// spanning set boundaries.
type TrailingMetrics struct {
	Trades       int     `json:"trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"`
}

// strategyState is everything the tracker holds for one strategy. All access
// goes through the Tracker mutex; trade application is strictly ordered.
type strategyState struct {
	id            string
	settings      Settings
	mode          types.Mode
	currentSet    types.Set
	completedSets []types.Set
	recent        []types.TradeResult // ring of the last evaluation_window trades
	lifetime      LifetimeStats
	transitions   []types.ModeTransition
	eligible      bool // live-eligibility already signaled for the current streak
}

// Summary is the per-strategy view for /api/strategies/summaries.
type Summary struct {
	StrategyID     string                `json:"strategy"`
	DisplayName    string                `json:"display_name"`
	Mode           types.Mode            `json:"current_mode"`
	LiveEligible   bool                  `json:"live_eligible"`
	Lifetime       LifetimeStats         `json:"lifetime"`
	Trailing       TrailingMetrics       `json:"trailing"`
	SetsCompleted  int                   `json:"sets_completed"`
	CurrentSetSize int                   `json:"current_set_trades"`
	LastTransition *types.ModeTransition `json:"last_transition,omitempty"`
}

// Tracker owns every strategy's performance state. Trades for one strategy
// are applied in arrival order (the engine feeds it from a single goroutine).
type Tracker struct {
	defaults config.TrackerConfig
	clk      clock.Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	strategies map[string]*strategyState

	transitionCh chan types.ModeTransition
}

// New creates a tracker with the configured defaults.
func New(defaults config.TrackerConfig, clk clock.Clock, logger *slog.Logger) *Tracker {
	return &Tracker{
		defaults:     defaults,
		clk:          clk,
		logger:       logger.With("component", "tracker"),
		strategies:   make(map[string]*strategyState),
		transitionCh: make(chan types.ModeTransition, 64),
	}
}

// Transitions returns the channel of recorded mode transitions and
// eligibility signals.
func (t *Tracker) Transitions() <-chan types.ModeTransition {
	return t.transitionCh
}

// Register creates a strategy if unknown. New strategies start in paper —
// nothing trades live before it has a record. Returns the current mode.
func (t *Tracker) Register(strategyID string, settings Settings) types.Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(strategyID, settings).mode
}

// Mode returns the strategy's current mode, registering it (paper) if new.
func (t *Tracker) Mode(strategyID string) types.Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(strategyID, Settings{}).mode
}

func (t *Tracker) ensureLocked(strategyID string, settings Settings) *strategyState {
	if st, ok := t.strategies[strategyID]; ok {
		return st
	}
	st := &strategyState{
		id:       strategyID,
		settings: t.fillDefaults(settings),
		mode:     types.ModePaper,
		currentSet: types.Set{
			Number:      1,
			ModeAtStart: types.ModePaper,
		},
	}
	t.strategies[strategyID] = st
	t.logger.Info("strategy registered", "strategy", strategyID, "mode", st.mode)
	return st
}

func (t *Tracker) fillDefaults(s Settings) Settings {
	if s.SetSize <= 0 {
		s.SetSize = t.defaults.SetSize
	}
	if s.EvaluationWindow <= 0 {
		s.EvaluationWindow = t.defaults.EvaluationWindow
	}
	if s.MinWinRate <= 0 {
		s.MinWinRate = t.defaults.MinWinRate
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = t.defaults.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = t.defaults.SuccessThreshold
	}
	if s.MinPaperTrades <= 0 {
		s.MinPaperTrades = t.defaults.MinPaperTrades
	}
	if s.PassingSetWinRate <= 0 {
		s.PassingSetWinRate = t.defaults.PassingSetWinRate
	}
	return s
}

// OnTradeResult applies one completed round-trip: appends to the current set,
// rolls the set over when full, recomputes trailing metrics, and evaluates
// the transition table. Returns the transition if one fired.
func (t *Tracker) OnTradeResult(trade types.TradeResult) *types.ModeTransition {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.ensureLocked(trade.StrategyID, Settings{})

	st.currentSet.Trades = append(st.currentSet.Trades, trade)
	st.lifetime.Trades++
	st.lifetime.NetPnL += trade.NetPnL
	if trade.Win {
		st.lifetime.Wins++
	}
	if trade.ModeAtEntry == types.ModePaper {
		st.lifetime.PaperTrades++
	}

	st.recent = append(st.recent, trade)
	if over := len(st.recent) - st.settings.EvaluationWindow; over > 0 {
		st.recent = st.recent[over:]
	}

	if len(st.currentSet.Trades) >= st.settings.SetSize {
		t.completeSetLocked(st)
	}

	return t.evaluateLocked(st, trade.ClosedAt)
}

// completeSetLocked seals the current set and starts the next one.
func (t *Tracker) completeSetLocked(st *strategyState) {
	set := st.currentSet
	set.Complete = true
	var wins int
	for _, tr := range set.Trades {
		if tr.Win {
			wins++
		}
		set.NetPnL += tr.NetPnL
	}
	set.WinRate = float64(wins) / float64(len(set.Trades))
	st.completedSets = append(st.completedSets, set)

	st.currentSet = types.Set{
		Number:      set.Number + 1,
		ModeAtStart: st.mode,
	}

	t.logger.Info("set completed",
		"strategy", st.id,
		"set", set.Number,
		"win_rate", set.WinRate,
		"net_pnl", set.NetPnL,
	)
}

// trailingLocked computes the metrics over the retained window.
func trailingLocked(st *strategyState) TrailingMetrics {
	m := TrailingMetrics{Trades: len(st.recent)}
	if m.Trades == 0 {
		return m
	}

	var wins int
	var grossWin, grossLoss float64
	var equity, peak, maxDD float64
	for _, tr := range st.recent {
		if tr.Win {
			wins++
			grossWin += tr.NetPnL
		} else {
			grossLoss += -tr.NetPnL
		}
		equity += tr.NetPnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}

	m.WinRate = float64(wins) / float64(m.Trades)
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	m.MaxDrawdown = maxDD
	return m
}

// evaluateLocked walks the transition table. First match applies.
func (t *Tracker) evaluateLocked(st *strategyState, now time.Time) *types.ModeTransition {
	metrics := trailingLocked(st)

	switch st.mode {
	case types.ModeLive:
		if metrics.Trades >= st.settings.EvaluationWindow && metrics.WinRate < st.settings.MinWinRate {
			return t.transitionLocked(st, string(types.ModePaper),
				fmt.Sprintf("trailing win rate %.2f under floor %.2f", metrics.WinRate, st.settings.MinWinRate),
				"", now)
		}
		if losing := t.consecutiveLosingSetsLocked(st); losing >= st.settings.FailureThreshold {
			return t.transitionLocked(st, string(types.ModeSuspended),
				fmt.Sprintf("%d consecutive losing sets", losing),
				"", now)
		}

	case types.ModePaper:
		if st.eligible {
			return nil // already signaled for this streak
		}
		passing := t.consecutivePassingSetsLocked(st)
		if passing >= st.settings.SuccessThreshold && st.lifetime.PaperTrades >= st.settings.MinPaperTrades {
			st.eligible = true
			return t.transitionLocked(st, "live_eligible",
				fmt.Sprintf("%d consecutive passing sets over %d paper trades; awaiting operator approval",
					passing, st.lifetime.PaperTrades),
				"", now)
		}

	case types.ModeSuspended:
		// manual only
	}
	return nil
}

// transitionLocked records the transition (or eligibility signal), applies
// the mode change when toMode is a real mode, and emits the record.
func (t *Tracker) transitionLocked(st *strategyState, toMode, reason, operator string, now time.Time) *types.ModeTransition {
	tr := types.ModeTransition{
		StrategyID: st.id,
		FromMode:   st.mode,
		ToMode:     toMode,
		Reason:     reason,
		Operator:   operator,
		Timestamp:  now,
	}
	for _, set := range t.lastSetsLocked(st, 3) {
		tr.SetNumbers = append(tr.SetNumbers, set.Number)
		tr.WinRates = append(tr.WinRates, set.WinRate)
	}
	st.transitions = append(st.transitions, tr)

	if toMode != "live_eligible" {
		st.mode = types.Mode(toMode)
		st.eligible = false
	}

	t.logger.Warn("strategy mode transition",
		"strategy", st.id,
		"from", tr.FromMode,
		"to", tr.ToMode,
		"reason", reason,
	)

	select {
	case t.transitionCh <- tr:
	default:
		t.logger.Warn("transition channel full, dropping broadcast", "strategy", st.id)
	}
	return &tr
}

func (t *Tracker) lastSetsLocked(st *strategyState, n int) []types.Set {
	if len(st.completedSets) <= n {
		return st.completedSets
	}
	return st.completedSets[len(st.completedSets)-n:]
}

func (t *Tracker) consecutiveLosingSetsLocked(st *strategyState) int {
	count := 0
	for i := len(st.completedSets) - 1; i >= 0; i-- {
		if st.completedSets[i].NetPnL < 0 {
			count++
		} else {
			break
		}
	}
	return count
}

func (t *Tracker) consecutivePassingSetsLocked(st *strategyState) int {
	count := 0
	for i := len(st.completedSets) - 1; i >= 0; i-- {
		if st.completedSets[i].WinRate >= st.settings.PassingSetWinRate {
			count++
		} else {
			break
		}
	}
	return count
}

// SetMode applies an operator mode change. The only path into live, and the
// only path out of suspended.
func (t *Tracker) SetMode(strategyID string, newMode types.Mode, operator string) (*types.ModeTransition, error) {
	switch newMode {
	case types.ModeLive, types.ModePaper, types.ModeSuspended:
	default:
		return nil, fmt.Errorf("invalid mode %q", newMode)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.strategies[strategyID]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategyID)
	}
	if st.mode == newMode {
		return nil, fmt.Errorf("strategy %s is already %s", strategyID, newMode)
	}

	if operator == "" {
		operator = "api"
	}
	reason := fmt.Sprintf("operator override (%s)", operator)
	return t.transitionLocked(st, string(newMode), reason, operator, t.clk.Now()), nil
}

// Summaries returns the current view of every strategy.
func (t *Tracker) Summaries() []Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Summary, 0, len(t.strategies))
	for _, st := range t.strategies {
		s := Summary{
			StrategyID:     st.id,
			DisplayName:    st.settings.DisplayName,
			Mode:           st.mode,
			LiveEligible:   st.eligible,
			Lifetime:       st.lifetime,
			Trailing:       trailingLocked(st),
			SetsCompleted:  len(st.completedSets),
			CurrentSetSize: len(st.currentSet.Trades),
		}
		if n := len(st.transitions); n > 0 {
			last := st.transitions[n-1]
			s.LastTransition = &last
		}
		out = append(out, s)
	}
	return out
}

// Replay rebuilds a strategy's state from its persisted trade history and
// re-applies any recorded operator overrides in timestamp order. Used at
// startup; emits no transition events.
func (t *Tracker) Replay(strategyID string, settings Settings, trades []types.TradeResult, overrides []types.ModeTransition) {
	t.mu.Lock()
	prev := t.transitionCh
	t.transitionCh = make(chan types.ModeTransition, len(trades)+len(overrides)+1)
	t.mu.Unlock()

	t.Register(strategyID, settings)

	oi := 0
	for _, trade := range trades {
		for oi < len(overrides) && !overrides[oi].Timestamp.After(trade.ClosedAt) {
			t.applyOverride(strategyID, overrides[oi])
			oi++
		}
		t.OnTradeResult(trade)
	}
	for ; oi < len(overrides); oi++ {
		t.applyOverride(strategyID, overrides[oi])
	}

	t.mu.Lock()
	t.transitionCh = prev
	t.mu.Unlock()
}

func (t *Tracker) applyOverride(strategyID string, tr types.ModeTransition) {
	if tr.ToMode == "live_eligible" {
		return // signals replay naturally from trade history
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.strategies[strategyID]; ok {
		st.mode = types.Mode(tr.ToMode)
		st.eligible = false
		st.transitions = append(st.transitions, tr)
	}
}
