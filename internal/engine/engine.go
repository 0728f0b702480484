// Package engine wires the execution core together: ingress feeds the
// router, the router feeds the backends, fills flow back through
// per-account writer goroutines into the ledger, the funded-rule engine,
// the strategy tracker, persistence, and the event bus.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/grimmolf/traderterminal/internal/broker"
	"github.com/grimmolf/traderterminal/internal/bus"
	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/creds"
	"github.com/grimmolf/traderterminal/internal/funded"
	"github.com/grimmolf/traderterminal/internal/ingress"
	"github.com/grimmolf/traderterminal/internal/router"
	"github.com/grimmolf/traderterminal/internal/sim"
	"github.com/grimmolf/traderterminal/internal/store"
	"github.com/grimmolf/traderterminal/internal/tracker"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// Engine owns every long-lived component and their goroutines.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *slog.Logger

	store   *store.Store
	bus     *bus.Bus
	tracker *tracker.Tracker
	funded  *funded.Engine
	brokers *broker.Registry
	sim     *sim.Simulator
	router  *router.Router
	ingress *ingress.Handler

	queue chan types.Alert

	mu     sync.Mutex
	trips  map[string]*roundTrip // open round trips by account|symbol
	launch time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// roundTrip accumulates one flat-to-flat excursion for trade attribution.
type roundTrip struct {
	strategy    string
	modeAtEntry types.Mode
	entryFillID string
	netQty      float64
	avgEntry    float64
	multiplier  float64
	realized    float64
	costs       float64
}

// New constructs the engine and replays persisted state. Call Start to run.
func New(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cs, err := creds.Open(cfg.Creds)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	b := bus.New()
	tr := tracker.New(cfg.Tracker, clk, logger)
	fe := funded.NewEngine(logger)
	simulator := sim.New(cfg.Sim, clk, logger)

	registry := broker.NewRegistry()
	registry.Register(simulator)
	for _, group := range cfg.Accounts {
		if group.Backend == "simulator" {
			continue
		}
		if _, ok := registry.Lookup(group.Backend); ok {
			continue
		}
		adapter, ok := broker.New(group.Backend, cfg.Brokers[group.Backend], group.Sandbox, cs, logger)
		if !ok {
			return nil, fmt.Errorf("unknown backend %q", group.Backend)
		}
		registry.Register(adapter)
	}

	for _, group := range cfg.Accounts {
		if group.RiskProfile != nil {
			fe.Register(group.AccountID(), *group.RiskProfile)
		}
	}

	e := &Engine{
		cfg:     cfg,
		clk:     clk,
		logger:  logger.With("component", "engine"),
		store:   st,
		bus:     b,
		tracker: tr,
		funded:  fe,
		brokers: registry,
		sim:     simulator,
		queue:   make(chan types.Alert, cfg.Ingress.QueueSize),
		trips:   make(map[string]*roundTrip),
		launch:  clk.Now(),
	}
	e.router = router.New(cfg, clk, e.queue, registry, tr, fe, st, b, logger)

	seen, err := st.SeenAlertIDs(clk.Now().Add(-cfg.Ingress.IdempotencyTTL))
	if err != nil {
		return nil, fmt.Errorf("load idempotency window: %w", err)
	}
	e.ingress = ingress.New(cfg.Ingress, clk, e.queue, st.Degraded, seen, logger)

	if err := e.replayStrategies(); err != nil {
		return nil, err
	}
	return e, nil
}

// replayStrategies rebuilds tracker state from the persisted trade history
// and operator overrides. Same history, same modes.
func (e *Engine) replayStrategies() error {
	names, err := e.store.TrackedStrategies()
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}
	for _, name := range names {
		trades, err := e.store.TradeResults(name)
		if err != nil {
			return fmt.Errorf("load trades for %s: %w", name, err)
		}
		overrides, err := e.store.OperatorOverrides(name)
		if err != nil {
			return fmt.Errorf("load overrides for %s: %w", name, err)
		}
		e.tracker.Replay(name, tracker.Settings{}, trades, overrides)
		e.logger.Info("strategy state replayed",
			"strategy", name, "trades", len(trades), "mode", e.tracker.Mode(name))
	}
	return nil
}

// Start launches the goroutines: simulator ticker, router, fill writers,
// and the violation/transition/quote pumps.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.run(func() { e.sim.Start(ctx) })
	e.run(func() { e.router.Run(ctx) })
	e.run(func() { e.pumpQuotes(ctx) })
	e.run(func() { e.pumpViolations(ctx) })
	e.run(func() { e.pumpTransitions(ctx) })

	// One writer goroutine per account: fills for one account are applied
	// in order by a single owner.
	started := make(map[string]bool)
	for _, group := range e.cfg.Accounts {
		accountID := group.AccountID()
		if started[accountID] {
			continue
		}
		started[accountID] = true
		g := group
		id := accountID
		e.run(func() { e.runFillWriter(ctx, g, id) })
	}

	// Overlay accounts: a paper-mode strategy on a live group fills against
	// the simulator under paper_<group>, which needs its own writer.
	for _, group := range e.cfg.Accounts {
		if group.Backend == "simulator" || group.IsPaperPrefix() {
			continue
		}
		overlay := "paper_" + group.Key
		if started[overlay] {
			continue
		}
		started[overlay] = true
		g := group
		g.Backend = "simulator"
		g.RiskProfile = nil
		e.run(func() { e.runFillWriter(ctx, g, overlay) })
	}
}

func (e *Engine) run(f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

// Shutdown cancels outstanding orders best-effort, simulator and live
// backends alike, then stops all goroutines.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, order := range e.sim.OpenOrders("") {
		if _, err := e.sim.Cancel(ctx, order.ID); err != nil {
			continue
		}
		if cancelled, ok := e.sim.Order(order.ID); ok {
			e.store.UpsertOrder(cancelled)
		}
	}
	if open, err := e.store.OpenOrders(); err == nil {
		for _, order := range open {
			if order.Backend == "simulator" {
				continue // handled above against the live book
			}
			backend, ok := e.brokers.Lookup(order.Backend)
			if !ok {
				continue
			}
			status, err := backend.Cancel(ctx, order.ID)
			if err != nil {
				e.logger.Warn("shutdown cancel failed",
					"order", order.ID, "backend", order.Backend, "error", err)
				continue
			}
			if status == broker.CancelOK {
				order.Status = types.StatusCancelled
				order.UpdatedAt = e.clk.Now()
				e.store.UpsertOrder(order)
			}
		}
	}
	for _, group := range e.cfg.Accounts {
		if group.Backend != "simulator" && !group.IsPaperPrefix() {
			continue
		}
		if snap, err := e.sim.AccountSnapshot(ctx, group.Key); err == nil {
			e.store.SaveAccountSnapshot(group.Key, snap)
		}
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.store.Close()
	e.logger.Info("engine stopped")
}

func (e *Engine) pumpQuotes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-e.sim.Quotes():
			e.bus.Publish(bus.Scoped(bus.TopicQuotes, q.Symbol), "quote", q)
		}
	}
}

func (e *Engine) pumpViolations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-e.funded.Violations():
			e.store.AppendViolation(v)
			e.bus.Publish(bus.TopicViolations, "violation", v)
			e.bus.Publish(bus.Scoped(bus.TopicAccounts, v.AccountID), "violation", v)
		}
	}
}

func (e *Engine) pumpTransitions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-e.tracker.Transitions():
			e.store.AppendTransition(tr)
			for _, s := range e.tracker.Summaries() {
				if s.StrategyID == tr.StrategyID {
					e.store.SaveStrategySnapshot(tr.StrategyID, s)
					break
				}
			}
			e.bus.Publish(bus.TopicStrategies, "strategy_mode_change", tr)
			e.bus.Publish(bus.Scoped(bus.TopicStrategies, tr.StrategyID), "strategy_mode_change", tr)
		}
	}
}

// runFillWriter subscribes to an account's fill stream, resuming from the
// last persisted fill, and applies each fill exactly once.
func (e *Engine) runFillWriter(ctx context.Context, group config.AccountGroupConfig, accountID string) {
	backend, ok := e.brokers.Lookup(group.Backend)
	if !ok {
		return
	}

	for ctx.Err() == nil {
		cursor, err := e.store.LastFillID(accountID)
		if err != nil {
			e.logger.Error("load fill cursor", "account", accountID, "error", err)
		}
		fills, err := backend.SubscribeFills(ctx, accountID, cursor)
		if err != nil {
			e.logger.Error("subscribe fills", "account", accountID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}
		for fill := range fills {
			e.applyFill(ctx, group, fill)
		}
		// Stream closed: resubscribe from the persisted cursor unless we
		// are shutting down.
	}
}

// applyFill persists the fill, refreshes the order, updates funded state,
// and feeds the tracker when a round trip completes.
func (e *Engine) applyFill(ctx context.Context, group config.AccountGroupConfig, fill types.Fill) {
	e.store.AppendFill(fill)
	e.bus.Publish(bus.TopicFills, "fill", fill)
	e.bus.Publish(bus.Scoped(bus.TopicFills, fill.AccountID), "fill", fill)

	order, ok := e.orderForFill(fill)
	if ok {
		e.store.UpsertOrder(order)
		e.bus.Publish(bus.Scoped(bus.TopicOrders, order.AccountID), "order", order)
	}

	if result := e.recordTrip(fill, order, ok); result != nil {
		e.store.AppendTradeResult(*result)
		if tr := e.tracker.OnTradeResult(*result); tr != nil {
			e.logger.Info("mode transition from trade result",
				"strategy", tr.StrategyID, "to", tr.ToMode)
		}
	}

	e.refreshAccountState(ctx, group, fill.AccountID)
}

func (e *Engine) orderForFill(fill types.Fill) (types.Order, bool) {
	if order, ok := e.sim.Order(fill.OrderID); ok {
		return order, true
	}
	order, ok, err := e.store.OrderByID(fill.OrderID)
	if err != nil || !ok {
		return types.Order{}, false
	}
	order.FilledQty += fill.Qty
	order.AvgFillPrice = fill.Price
	if order.FilledQty >= order.Qty {
		order.Status = types.StatusFilled
	} else {
		order.Status = types.StatusPartial
	}
	order.UpdatedAt = fill.Timestamp
	return order, true
}

// recordTrip folds the fill into the open round trip for its (account,
// symbol) and emits a TradeResult when the position returns to flat.
func (e *Engine) recordTrip(fill types.Fill, order types.Order, haveOrder bool) *types.TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := fill.AccountID + "|" + fill.Symbol
	trip, open := e.trips[key]
	signed := fill.Qty
	if fill.Side == types.SideSell {
		signed = -fill.Qty
	}

	if !open || trip.netQty == 0 {
		trip = &roundTrip{
			entryFillID: fill.ID,
			netQty:      signed,
			avgEntry:    fill.Price,
			multiplier:  e.cfg.Sim.SymbolSpecFor(fill.Symbol).Multiplier,
			costs:       fill.Commission + fill.Fees,
		}
		attributeTrip(trip, order, haveOrder)
		e.trips[key] = trip
		return nil
	}

	trip.costs += fill.Commission + fill.Fees
	if (trip.netQty > 0) == (signed > 0) {
		// Adding to the position.
		total := trip.netQty + signed
		trip.avgEntry = (trip.avgEntry*math.Abs(trip.netQty) + fill.Price*fill.Qty) / math.Abs(total)
		trip.netQty = total
		return nil
	}

	// Reducing, possibly flipping through flat.
	closeQty := math.Min(fill.Qty, math.Abs(trip.netQty))
	diff := fill.Price - trip.avgEntry
	if trip.netQty < 0 {
		diff = -diff
	}
	trip.realized += diff * closeQty * trip.multiplier
	remainder := trip.netQty + signed

	if remainder != 0 && (remainder > 0) == (trip.netQty > 0) {
		trip.netQty = remainder
		return nil
	}
	delete(e.trips, key)

	if remainder != 0 {
		// Flip: the surplus opens a fresh trip at the fill price,
		// attributed to the order that reversed the position.
		next := &roundTrip{
			entryFillID: fill.ID,
			netQty:      remainder,
			avgEntry:    fill.Price,
			multiplier:  trip.multiplier,
		}
		attributeTrip(next, order, haveOrder)
		e.trips[key] = next
	}

	if trip.strategy == "" {
		return nil // unattributed trades don't feed the tracker
	}
	result := &types.TradeResult{
		StrategyID:  trip.strategy,
		EntryFillID: trip.entryFillID,
		ExitFillID:  fill.ID,
		Symbol:      fill.Symbol,
		PnL:         trip.realized,
		NetPnL:      trip.realized - trip.costs,
		Win:         trip.realized-trip.costs > 0,
		ModeAtEntry: trip.modeAtEntry,
		ClosedAt:    fill.Timestamp,
	}
	return result
}

// attributeTrip stamps strategy and entry mode from the order that opened
// the excursion.
func attributeTrip(trip *roundTrip, order types.Order, haveOrder bool) {
	if !haveOrder {
		return
	}
	trip.strategy = order.StrategyID
	trip.modeAtEntry = types.ModeLive
	if order.ModeOverride || order.Backend == "simulator" {
		trip.modeAtEntry = types.ModePaper
	}
}

// refreshAccountState re-marks the account and feeds the funded engine.
func (e *Engine) refreshAccountState(ctx context.Context, group config.AccountGroupConfig, accountID string) {
	if group.RiskProfile == nil {
		return
	}
	backend, ok := e.brokers.Lookup(group.Backend)
	if !ok {
		return
	}
	snap, err := backend.AccountSnapshot(ctx, accountID)
	if err != nil {
		e.logger.Warn("account snapshot failed", "account", accountID, "error", err)
		return
	}

	var contracts float64
	var openPositions int
	for _, p := range snap.Positions {
		contracts += math.Abs(p.NetQty)
		if p.NetQty != 0 {
			openPositions++
		}
	}
	e.funded.UpdateState(accountID, funded.AccountState{
		DayPnL:        snap.DayPnL,
		Equity:        snap.Equity,
		PeakEquity:    snap.Equity,
		OpenContracts: contracts,
		OpenPositions: openPositions,
	})
	e.bus.Publish(bus.Scoped(bus.TopicAccounts, accountID), "account", snap)
}

// ————————————————————————————————————————————————————————————————————————
// API surface used by the HTTP server
// ————————————————————————————————————————————————————————————————————————

// Webhook returns the ingress handler.
func (e *Engine) Webhook() *ingress.Handler { return e.ingress }

// Bus returns the event bus for websocket fan-out.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// AccountView is the per-group summary for /api/accounts.
type AccountView struct {
	Key      string                 `json:"key"`
	Backend  string                 `json:"backend"`
	Paper    bool                   `json:"paper"`
	Snapshot broker.AccountSnapshot `json:"snapshot"`
}

// Accounts snapshots every configured account group.
func (e *Engine) Accounts(ctx context.Context) []AccountView {
	out := make([]AccountView, 0, len(e.cfg.Accounts))
	for _, group := range e.cfg.Accounts {
		view := AccountView{
			Key:     group.Key,
			Backend: group.Backend,
			Paper:   group.IsPaperPrefix() || group.Backend == "simulator",
		}
		if backend, ok := e.brokers.Lookup(group.Backend); ok {
			accountID := group.AccountID()
			if view.Paper {
				accountID = group.Key
			}
			if snap, err := backend.AccountSnapshot(ctx, accountID); err == nil {
				view.Snapshot = snap
			}
		}
		out = append(out, view)
	}
	return out
}

// Positions returns the open positions for one account on one feed.
func (e *Engine) Positions(ctx context.Context, feed, accountID string) ([]types.Position, error) {
	backend, ok := e.brokers.Lookup(feed)
	if !ok {
		return nil, fmt.Errorf("unknown feed %q", feed)
	}
	snap, err := backend.AccountSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return snap.Positions, nil
}

// Orders lists recent orders, optionally scoped to an account.
func (e *Engine) Orders(accountID string, limit int) ([]types.Order, error) {
	return e.store.Orders(accountID, limit)
}

// OrderByID loads one order.
func (e *Engine) OrderByID(orderID string) (types.Order, bool, error) {
	return e.store.OrderByID(orderID)
}

// PlaceOrder dispatches a manual order through the router, so it passes the
// same mode overlay and risk path as a webhook alert.
func (e *Engine) PlaceOrder(ctx context.Context, alert types.Alert) (types.Order, *types.Rejection) {
	if alert.ID == "" {
		alert.ID = types.NewID()
	}
	alert.ReceivedAt = e.clk.Now()
	return e.router.Dispatch(ctx, alert)
}

// CancelOrder cancels a working order on its backend.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (broker.CancelStatus, error) {
	order, ok, err := e.store.OrderByID(orderID)
	if err != nil {
		return "", err
	}
	if !ok {
		return broker.CancelNotFound, nil
	}
	backend, ok := e.brokers.Lookup(order.Backend)
	if !ok {
		return "", fmt.Errorf("backend %q not registered", order.Backend)
	}
	status, err := backend.Cancel(ctx, orderID)
	if err != nil {
		return "", err
	}
	if status == broker.CancelOK {
		order.Status = types.StatusCancelled
		order.UpdatedAt = e.clk.Now()
		e.store.UpsertOrder(order)
		e.bus.Publish(bus.Scoped(bus.TopicOrders, order.AccountID), "order", order)
	}
	return status, nil
}

// FundedAccounts returns the funded-account enforcement view.
func (e *Engine) FundedAccounts() []funded.AccountInfo {
	return e.funded.Accounts()
}

// FlattenAccount closes everything on an account, by provider name.
func (e *Engine) FlattenAccount(ctx context.Context, provider, accountID string) error {
	backend, ok := e.brokers.Lookup(provider)
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	return backend.Flatten(ctx, accountID)
}

// PauseAccount suspends funded-account trading.
func (e *Engine) PauseAccount(accountID string) error {
	if err := e.funded.Acknowledge(accountID); err == nil {
		return nil
	}
	return e.funded.Pause(accountID)
}

// ResumeAccount reactivates a paused account.
func (e *Engine) ResumeAccount(accountID string) error { return e.funded.Resume(accountID) }

// ResetPaperAccount restores a simulator account to its starting balance.
func (e *Engine) ResetPaperAccount(accountID string, balance float64) error {
	if !strings.HasPrefix(accountID, "paper_") {
		return fmt.Errorf("account %q is not a paper account", accountID)
	}
	if balance <= 0 {
		if group, ok := e.cfg.GroupByKey(accountID); ok && group.InitialBalance > 0 {
			balance = group.InitialBalance
		}
	}
	e.sim.Reset(accountID, balance)
	e.bus.Publish(bus.Scoped(bus.TopicAccounts, accountID), "account_reset", map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
	return nil
}

// StrategySummaries returns the tracker view of every strategy.
func (e *Engine) StrategySummaries() []tracker.Summary { return e.tracker.Summaries() }

// SetStrategyMode applies an operator mode change and persists it.
func (e *Engine) SetStrategyMode(strategyID string, mode types.Mode, operator string) (*types.ModeTransition, error) {
	e.tracker.Register(strategyID, tracker.Settings{})
	return e.tracker.SetMode(strategyID, mode, operator)
}

// Status is the /api/status payload.
type Status struct {
	Uptime        string                   `json:"uptime"`
	QueueDepth    int                      `json:"queue_depth"`
	QueueCapacity int                      `json:"queue_capacity"`
	StoreDegraded bool                     `json:"store_degraded"`
	StoreBuffered int                      `json:"store_buffered_writes"`
	Session       types.Session            `json:"session"`
	Feeds         map[string]broker.Health `json:"feeds"`
}

// Status summarizes connectivity and queue health.
func (e *Engine) Status() Status {
	return Status{
		Uptime:        e.clk.Now().Sub(e.launch).Round(time.Second).String(),
		QueueDepth:    len(e.queue),
		QueueCapacity: cap(e.queue),
		StoreDegraded: e.store.Degraded(),
		StoreBuffered: e.store.BufferedWrites(),
		Session:       clock.Session(e.clk.Now()),
		Feeds:         e.brokers.HealthAll(),
	}
}
