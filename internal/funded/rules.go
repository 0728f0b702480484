// Package funded enforces the rule sets attached to externally-funded
// accounts (TopStep and similar): daily loss caps, trailing drawdown,
// contract limits, trading-hour windows, and news blackouts.
//
// Evaluation is a pure function over the account's observed state and the
// proposed order; the Engine wraps it with the per-account status machine
// (active → violated → paused → active) and the append-only violation log.
package funded

import (
	"fmt"
	"time"

	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// Severity of a rule check outcome.
type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarn    Severity = "warning"
	SeverityViolate Severity = "violation"
)

// Verdict is the outcome of evaluating one proposed order against a rule set.
type Verdict struct {
	Severity Severity
	Rule     string // e.g. "daily_loss_cap"
	Reason   string
	Limit    float64
	Observed float64
}

// AccountState is the observed state fed into evaluation. The caller (the
// per-account writer task) owns these numbers; evaluation never mutates them.
type AccountState struct {
	DayPnL        float64 // realized + unrealized since the daily baseline
	Equity        float64
	PeakEquity    float64
	OpenContracts float64 // absolute contracts across all positions
	OpenPositions int     // count of non-flat (account, symbol) pairs
}

// Proposed describes the order under consideration.
type Proposed struct {
	Symbol        string
	Qty           float64
	WorstCaseLoss float64 // projected loss if the fill lands at worst-case slippage
	OpensPosition bool    // false when the order reduces or closes
}

// newsPad widens configured news windows on both sides.
const newsPad = 2 * time.Minute

// Evaluate runs the rule set in order and returns the first violation, or the
// first warning if nothing violates, or ok. Deterministic: same inputs, same
// verdict.
func Evaluate(state AccountState, rules types.FundedRules, proposed Proposed, now time.Time) Verdict {
	var warn *Verdict

	record := func(v Verdict) *Verdict {
		if v.Severity == SeverityViolate {
			return &v
		}
		if warn == nil {
			w := v
			warn = &w
		}
		return nil
	}

	// Daily loss: project the day P&L after a worst-case fill.
	if rules.MaxDailyLoss > 0 {
		projected := state.DayPnL - proposed.WorstCaseLoss
		if projected <= -rules.MaxDailyLoss {
			return Verdict{
				Severity: SeverityViolate,
				Rule:     "daily_loss_cap",
				Reason:   fmt.Sprintf("projected day P&L %.2f breaches max daily loss %.2f", projected, rules.MaxDailyLoss),
				Limit:    rules.MaxDailyLoss,
				Observed: -projected,
			}
		}
		// Within 90% of the cap: warn but proceed.
		if projected <= -rules.MaxDailyLoss*0.9 {
			if v := record(Verdict{
				Severity: SeverityWarn,
				Rule:     "daily_loss_cap",
				Reason:   fmt.Sprintf("projected day P&L %.2f within 10%% of max daily loss", projected),
				Limit:    rules.MaxDailyLoss,
				Observed: -projected,
			}); v != nil {
				return *v
			}
		}
	}

	if rules.TrailingDrawdown > 0 {
		drawdown := state.PeakEquity - state.Equity
		if drawdown >= rules.TrailingDrawdown {
			return Verdict{
				Severity: SeverityViolate,
				Rule:     "trailing_drawdown",
				Reason:   fmt.Sprintf("drawdown %.2f from peak equity breaches limit %.2f", drawdown, rules.TrailingDrawdown),
				Limit:    rules.TrailingDrawdown,
				Observed: drawdown,
			}
		}
	}

	if rules.MaxContracts > 0 && proposed.OpensPosition {
		total := state.OpenContracts + proposed.Qty
		if total > rules.MaxContracts {
			return Verdict{
				Severity: SeverityViolate,
				Rule:     "max_contracts",
				Reason:   fmt.Sprintf("%.0f contracts would exceed limit %.0f", total, rules.MaxContracts),
				Limit:    rules.MaxContracts,
				Observed: total,
			}
		}
	}

	if rules.MaxConcurrentPositions > 0 && proposed.OpensPosition {
		if state.OpenPositions+1 > rules.MaxConcurrentPositions {
			return Verdict{
				Severity: SeverityViolate,
				Rule:     "max_concurrent_positions",
				Reason:   fmt.Sprintf("%d concurrent positions would exceed limit %d", state.OpenPositions+1, rules.MaxConcurrentPositions),
				Limit:    float64(rules.MaxConcurrentPositions),
				Observed: float64(state.OpenPositions + 1),
			}
		}
	}

	if !clock.WithinHourWindow(now, rules.AllowedHours) {
		return Verdict{
			Severity: SeverityViolate,
			Rule:     "allowed_hours",
			Reason:   "outside permitted trading hours",
		}
	}

	for _, s := range rules.RestrictedSymbols {
		if s == proposed.Symbol {
			return Verdict{
				Severity: SeverityViolate,
				Rule:     "restricted_symbol",
				Reason:   fmt.Sprintf("symbol %s is restricted for this account", proposed.Symbol),
			}
		}
	}

	if rules.NewsBlackout {
		for _, w := range rules.NewsWindows {
			if !now.Before(w.Start.Add(-newsPad)) && now.Before(w.End.Add(newsPad)) {
				return Verdict{
					Severity: SeverityViolate,
					Rule:     "news_blackout",
					Reason:   fmt.Sprintf("inside news blackout window %s", w.Start.Format(time.RFC3339)),
				}
			}
		}
	}

	if warn != nil {
		return *warn
	}
	return Verdict{Severity: SeverityOK}
}
