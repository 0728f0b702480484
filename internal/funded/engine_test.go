package funded

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/grimmolf/traderterminal/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tradingHours is a Tuesday 10:00 exchange time, safely inside any session.
var tradingHours = time.Date(2026, 8, 18, 10, 0, 0, 0, time.FixedZone("CT", -5*3600))

func topstepRules() types.FundedRules {
	return types.FundedRules{
		MaxDailyLoss:           1000,
		TrailingDrawdown:       2000,
		MaxContracts:           3,
		MaxConcurrentPositions: 2,
	}
}

func TestEvaluateDailyLossCap(t *testing.T) {
	t.Parallel()

	state := AccountState{DayPnL: -990, Equity: 49_010, PeakEquity: 50_000}
	proposed := Proposed{Symbol: "ES", Qty: 1, WorstCaseLoss: 15, OpensPosition: true}

	v := Evaluate(state, topstepRules(), proposed, tradingHours)
	if v.Severity != SeverityViolate {
		t.Fatalf("severity = %s, want violation", v.Severity)
	}
	if v.Rule != "daily_loss_cap" {
		t.Errorf("rule = %q, want daily_loss_cap", v.Rule)
	}
}

func TestEvaluateDailyLossWarnNearCap(t *testing.T) {
	t.Parallel()

	state := AccountState{DayPnL: -900, Equity: 49_100, PeakEquity: 50_000}
	proposed := Proposed{Symbol: "ES", Qty: 1, WorstCaseLoss: 10, OpensPosition: true}

	v := Evaluate(state, topstepRules(), proposed, tradingHours)
	if v.Severity != SeverityWarn {
		t.Errorf("severity = %s, want warning near the cap", v.Severity)
	}
}

func TestEvaluateTrailingDrawdown(t *testing.T) {
	t.Parallel()

	state := AccountState{DayPnL: 0, Equity: 48_000, PeakEquity: 50_100}
	v := Evaluate(state, topstepRules(), Proposed{Symbol: "ES", Qty: 1}, tradingHours)

	if v.Severity != SeverityViolate || v.Rule != "trailing_drawdown" {
		t.Errorf("got %s/%s, want violation/trailing_drawdown", v.Severity, v.Rule)
	}
}

func TestEvaluateMaxContracts(t *testing.T) {
	t.Parallel()

	state := AccountState{OpenContracts: 2, Equity: 50_000, PeakEquity: 50_000}
	proposed := Proposed{Symbol: "ES", Qty: 2, OpensPosition: true}

	v := Evaluate(state, topstepRules(), proposed, tradingHours)
	if v.Severity != SeverityViolate || v.Rule != "max_contracts" {
		t.Errorf("got %s/%s, want violation/max_contracts", v.Severity, v.Rule)
	}

	// Closing orders are exempt from the contract cap.
	proposed.OpensPosition = false
	v = Evaluate(state, topstepRules(), proposed, tradingHours)
	if v.Severity == SeverityViolate {
		t.Error("closing order should not trip max_contracts")
	}
}

func TestEvaluateRestrictedSymbol(t *testing.T) {
	t.Parallel()

	rules := topstepRules()
	rules.RestrictedSymbols = []string{"CL"}

	v := Evaluate(AccountState{Equity: 50_000, PeakEquity: 50_000}, rules,
		Proposed{Symbol: "CL", Qty: 1, OpensPosition: true}, tradingHours)
	if v.Severity != SeverityViolate || v.Rule != "restricted_symbol" {
		t.Errorf("got %s/%s, want violation/restricted_symbol", v.Severity, v.Rule)
	}
}

func TestEvaluateNewsBlackout(t *testing.T) {
	t.Parallel()

	rules := topstepRules()
	rules.NewsBlackout = true
	rules.NewsWindows = []types.TimeWindow{{
		Start: tradingHours.Add(1 * time.Minute),
		End:   tradingHours.Add(3 * time.Minute),
	}}

	// Inside the padded window (±2 min).
	v := Evaluate(AccountState{Equity: 50_000, PeakEquity: 50_000}, rules,
		Proposed{Symbol: "ES", Qty: 1, OpensPosition: true}, tradingHours)
	if v.Severity != SeverityViolate || v.Rule != "news_blackout" {
		t.Errorf("got %s/%s, want violation/news_blackout", v.Severity, v.Rule)
	}

	// Well outside the window.
	v = Evaluate(AccountState{Equity: 50_000, PeakEquity: 50_000}, rules,
		Proposed{Symbol: "ES", Qty: 1, OpensPosition: true}, tradingHours.Add(30*time.Minute))
	if v.Severity == SeverityViolate {
		t.Error("order outside the blackout window should pass")
	}
}

func TestEngineStatusMachine(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger())
	e.Register("TS50K001", topstepRules())
	e.UpdateState("TS50K001", AccountState{DayPnL: -990, Equity: 49_010, PeakEquity: 50_000})

	v := e.Check("TS50K001", Proposed{Symbol: "ES", Qty: 1, WorstCaseLoss: 15, OpensPosition: true}, tradingHours)
	if v.Severity != SeverityViolate {
		t.Fatalf("expected violation, got %s", v.Severity)
	}
	if e.Status("TS50K001") != types.AccountViolated {
		t.Fatalf("status = %s, want violated", e.Status("TS50K001"))
	}

	// Violation record is emitted.
	select {
	case rec := <-e.Violations():
		if rec.Type != "daily_loss_cap" {
			t.Errorf("violation type = %q, want daily_loss_cap", rec.Type)
		}
	default:
		t.Error("expected a violation record on the channel")
	}

	// Violated accounts refuse even safe orders.
	v = e.Check("TS50K001", Proposed{Symbol: "ES", Qty: 1, OpensPosition: true}, tradingHours)
	if v.Severity != SeverityViolate || v.Rule != "account_violated" {
		t.Errorf("violated account should refuse all orders, got %s/%s", v.Severity, v.Rule)
	}

	// acknowledge → paused → resume → active
	if err := e.Acknowledge("TS50K001"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if e.Status("TS50K001") != types.AccountPaused {
		t.Errorf("status after ack = %s, want paused", e.Status("TS50K001"))
	}
	if err := e.Resume("TS50K001"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if e.Status("TS50K001") != types.AccountActive {
		t.Errorf("status after resume = %s, want active", e.Status("TS50K001"))
	}
}

func TestEngineUnregisteredAccountPasses(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger())
	v := e.Check("main", Proposed{Symbol: "ES", Qty: 100, OpensPosition: true}, tradingHours)
	if v.Severity != SeverityOK {
		t.Errorf("non-funded account should pass, got %s", v.Severity)
	}
}

func TestPeakEquityRatchets(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger())
	e.Register("acct", types.FundedRules{TrailingDrawdown: 1000})

	e.UpdateState("acct", AccountState{Equity: 51_000, PeakEquity: 51_000})
	e.UpdateState("acct", AccountState{Equity: 50_200}) // peak must persist at 51k

	v := e.Check("acct", Proposed{Symbol: "ES", Qty: 1}, tradingHours)
	if v.Severity == SeverityViolate {
		t.Fatalf("800 drawdown under 1000 limit should pass: %+v", v)
	}

	e.UpdateState("acct", AccountState{Equity: 49_900})
	v = e.Check("acct", Proposed{Symbol: "ES", Qty: 1}, tradingHours)
	if v.Severity != SeverityViolate || v.Rule != "trailing_drawdown" {
		t.Errorf("1100 drawdown should violate, got %s/%s", v.Severity, v.Rule)
	}
}
