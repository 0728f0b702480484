package funded

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// AccountInfo is the per-account view exposed over /api/funded-accounts.
type AccountInfo struct {
	AccountID  string                `json:"account_id"`
	Status     types.AccountStatus   `json:"status"`
	State      AccountState          `json:"state"`
	Rules      types.FundedRules     `json:"rules"`
	Violations []types.RiskViolation `json:"violations,omitempty"`
}

// Engine tracks funded-account state and owns the status machine. Rule
// evaluation itself is the pure Evaluate; the engine supplies state, records
// violations, and refuses orders for accounts that are not active.
type Engine struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rules    map[string]types.FundedRules
	states   map[string]AccountState
	statuses map[string]types.AccountStatus
	log      map[string][]types.RiskViolation

	violationCh chan types.RiskViolation // consumers: engine → store + bus
}

// NewEngine creates a rule engine with the configured rule sets keyed by
// account ID.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:      logger.With("component", "funded"),
		rules:       make(map[string]types.FundedRules),
		states:      make(map[string]AccountState),
		statuses:    make(map[string]types.AccountStatus),
		log:         make(map[string][]types.RiskViolation),
		violationCh: make(chan types.RiskViolation, 64),
	}
}

// Register attaches a rule set to an account. Accounts without rules are
// never checked (non-funded accounts pass through).
func (e *Engine) Register(accountID string, rules types.FundedRules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[accountID] = rules
	if _, ok := e.statuses[accountID]; !ok {
		e.statuses[accountID] = types.AccountActive
	}
}

// Violations returns the channel carrying appended violation records.
func (e *Engine) Violations() <-chan types.RiskViolation {
	return e.violationCh
}

// UpdateState replaces the observed state for an account. Called by the
// account's writer task after every fill and mark-to-market pass.
func (e *Engine) UpdateState(accountID string, state AccountState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.Equity > state.PeakEquity {
		state.PeakEquity = state.Equity
	}
	if prev, ok := e.states[accountID]; ok && prev.PeakEquity > state.PeakEquity {
		state.PeakEquity = prev.PeakEquity
	}
	e.states[accountID] = state
}

// Check evaluates a proposed order. For violated/paused accounts it refuses
// immediately; otherwise it runs the rule set, records any violation, and
// transitions the account to violated.
func (e *Engine) Check(accountID string, proposed Proposed, now time.Time) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules, ok := e.rules[accountID]
	if !ok {
		return Verdict{Severity: SeverityOK}
	}

	switch e.statuses[accountID] {
	case types.AccountViolated:
		return Verdict{Severity: SeverityViolate, Rule: "account_violated",
			Reason: "account is in violated state awaiting acknowledgement"}
	case types.AccountPaused:
		return Verdict{Severity: SeverityViolate, Rule: "account_paused",
			Reason: "account is paused"}
	}

	verdict := Evaluate(e.states[accountID], rules, proposed, now)
	if verdict.Severity == SeverityViolate {
		e.recordLocked(accountID, verdict, now)
	}
	return verdict
}

// recordLocked appends a violation and flips the account to violated.
func (e *Engine) recordLocked(accountID string, v Verdict, now time.Time) {
	violation := types.RiskViolation{
		ID:        types.NewID(),
		AccountID: accountID,
		Type:      v.Rule,
		Severity:  string(v.Severity),
		Limit:     v.Limit,
		Observed:  v.Observed,
		Timestamp: now,
	}
	e.log[accountID] = append(e.log[accountID], violation)
	e.statuses[accountID] = types.AccountViolated

	e.logger.Error("funded-account rule violated",
		"account", accountID,
		"rule", v.Rule,
		"reason", v.Reason,
	)

	select {
	case e.violationCh <- violation:
	default:
		e.logger.Warn("violation channel full, record kept in log only", "account", accountID)
	}
}

// Acknowledge moves a violated account to paused. Human operation.
func (e *Engine) Acknowledge(accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.statuses[accountID] != types.AccountViolated {
		return fmt.Errorf("account %s is not in violated state", accountID)
	}
	e.statuses[accountID] = types.AccountPaused
	for i := range e.log[accountID] {
		e.log[accountID][i].Acknowledged = true
	}
	return nil
}

// Pause suspends an active account.
func (e *Engine) Pause(accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.statuses[accountID] == types.AccountViolated {
		return fmt.Errorf("account %s must be acknowledged first", accountID)
	}
	e.statuses[accountID] = types.AccountPaused
	return nil
}

// Resume returns a paused account to active.
func (e *Engine) Resume(accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.statuses[accountID] != types.AccountPaused {
		return fmt.Errorf("account %s is not paused", accountID)
	}
	e.statuses[accountID] = types.AccountActive
	return nil
}

// Status returns the account's enforcement status.
func (e *Engine) Status(accountID string) types.AccountStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.statuses[accountID]; ok {
		return s
	}
	return types.AccountActive
}

// State returns the last observed state for a registered account.
func (e *Engine) State(accountID string) (AccountState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.rules[accountID]; !ok {
		return AccountState{}, false
	}
	return e.states[accountID], true
}

// Rules returns the rule set attached to an account.
func (e *Engine) Rules(accountID string) (types.FundedRules, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[accountID]
	return r, ok
}

// Accounts returns the current view of every registered funded account.
func (e *Engine) Accounts() []AccountInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]AccountInfo, 0, len(e.rules))
	for id, rules := range e.rules {
		out = append(out, AccountInfo{
			AccountID:  id,
			Status:     e.statuses[id],
			State:      e.states[id],
			Rules:      rules,
			Violations: append([]types.RiskViolation(nil), e.log[id]...),
		})
	}
	return out
}
