// Package sim is the paper execution backend. It implements the same
// capability interface as the live broker adapters, so routing code never
// distinguishes paper from live.
//
// Orders execute against an internal top-of-book that is either fed from
// the configured random-walk ticker or injected by tests. Fills apply
// session-dependent slippage, commissions, and fees, and settle against a
// decimal ledger whose conservation identity is re-checked on every fill.
// If the ledger ever fails to reconcile, the simulator degrades itself and
// refuses further orders instead of compounding the error.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/grimmolf/traderterminal/internal/broker"
	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/pkg/types"
)

const (
	volWindow        = 30 * time.Second
	volBaselineTicks = 5.0 // 30s range at or under this many ticks is calm
	volCap           = 4.0
)

type pricePoint struct {
	t     time.Time
	price float64
}

type quoteState struct {
	last    types.Quote
	history []pricePoint
}

// observe records a quote and trims the volatility window.
func (qs *quoteState) observe(q types.Quote) {
	qs.last = q
	qs.history = append(qs.history, pricePoint{t: q.Timestamp, price: q.Mid()})
	cutoff := q.Timestamp.Add(-volWindow)
	trim := 0
	for trim < len(qs.history) && qs.history[trim].t.Before(cutoff) {
		trim++
	}
	qs.history = qs.history[trim:]
}

// volMult scales slippage by the realized 30-second range, in ticks.
func (qs *quoteState) volMult(tickSize float64) float64 {
	if len(qs.history) < 2 || tickSize <= 0 {
		return 1.0
	}
	lo, hi := qs.history[0].price, qs.history[0].price
	for _, p := range qs.history[1:] {
		if p.price < lo {
			lo = p.price
		}
		if p.price > hi {
			hi = p.price
		}
	}
	mult := (hi - lo) / (volBaselineTicks * tickSize)
	if mult < 1.0 {
		return 1.0
	}
	return math.Min(mult, volCap)
}

// Simulator is the paper matching engine.
type Simulator struct {
	cfg    config.SimConfig
	clk    clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	accounts    map[string]*account
	orders      map[string]*types.Order
	books       map[string]*book
	quotes      map[string]*quoteState
	pendingOpen []string // order IDs queued while the session is closed
	seen        map[string]types.Ack
	subs        map[string][]chan types.Fill
	bookSeq     uint64
	degraded    bool
	degradedMsg string

	quoteCh chan types.Quote
}

// New creates a simulator. Start must be called to run the internal ticker;
// tests drive it directly through OnQuote.
func New(cfg config.SimConfig, clk clock.Clock, logger *slog.Logger) *Simulator {
	return &Simulator{
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With("component", "sim"),
		accounts: make(map[string]*account),
		orders:   make(map[string]*types.Order),
		books:    make(map[string]*book),
		quotes:   make(map[string]*quoteState),
		seen:     make(map[string]types.Ack),
		subs:     make(map[string][]chan types.Fill),
		quoteCh:  make(chan types.Quote, 256),
	}
}

func (s *Simulator) Name() string { return "simulator" }

// Quotes exposes the stream of ticks the simulator generates or receives,
// for fan-out to websocket subscribers.
func (s *Simulator) Quotes() <-chan types.Quote { return s.quoteCh }

// Start runs the random-walk ticker for the configured symbols until ctx is
// cancelled. Each tick walks the mid one tick up or down and re-evaluates
// the book.
func (s *Simulator) Start(ctx context.Context) {
	interval := s.cfg.QuoteInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, spec := range s.cfg.Symbols {
				s.OnQuote(s.nextTick(spec))
			}
		}
	}
}

func (s *Simulator) nextTick(spec config.SymbolSpec) types.Quote {
	s.mu.Lock()
	mid := spec.SeedPrice
	if qs, ok := s.quotes[spec.Symbol]; ok && qs.last.Mid() > 0 {
		mid = qs.last.Mid()
	}
	s.mu.Unlock()

	step := spec.TickSize * float64(rand.Intn(3)-1)
	mid += step
	half := spec.TickSize / 2
	return types.Quote{
		Symbol:    spec.Symbol,
		Bid:       mid - half,
		Ask:       mid + half,
		Last:      mid,
		Volume:    float64(1 + rand.Intn(100)),
		Timestamp: s.clk.Now(),
	}
}

// OnQuote ingests a tick: updates the volatility window, releases any
// session-queued orders if the market has opened, and fires every book
// order the tick makes marketable.
func (s *Simulator) OnQuote(q types.Quote) {
	s.mu.Lock()

	qs, ok := s.quotes[q.Symbol]
	if !ok {
		qs = &quoteState{}
		s.quotes[q.Symbol] = qs
	}
	qs.observe(q)

	now := s.clk.Now()
	var fills []types.Fill
	if clock.Session(now) != types.SessionClosed {
		fills = append(fills, s.releaseQueuedLocked(now)...)
	}

	if b, ok := s.books[q.Symbol]; ok {
		for _, ex := range b.match(q) {
			order, ok := s.orders[ex.orderID]
			if !ok || order.Status.Terminal() {
				continue
			}
			if ex.stop {
				fills = append(fills, s.triggerStopLocked(order, q, now)...)
			} else {
				fills = append(fills, s.fillAtLocked(order, ex.price, now)...)
			}
		}
	}
	s.mu.Unlock()

	select {
	case s.quoteCh <- q:
	default:
	}
	s.deliver(fills)
}

func (s *Simulator) accountLocked(id string) *account {
	a, ok := s.accounts[id]
	if !ok {
		a = newAccount(id, s.cfg.InitialBalance)
		s.accounts[id] = a
	}
	return a
}

// Submit accepts an order. Closed sessions queue it for the next open;
// marketable orders fill immediately; limit and stop orders rest in the
// per-symbol book until a quote reaches them.
func (s *Simulator) Submit(ctx context.Context, order types.Order) (types.Ack, error) {
	key := order.AccountID + ":" + order.AlertID
	if order.AlertID == "" {
		key = order.ID
	}

	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return types.Ack{}, fmt.Errorf("%w: %s", broker.ErrDegraded, s.degradedMsg)
	}
	if ack, ok := s.seen[key]; ok {
		s.mu.Unlock()
		return ack, nil
	}

	now := s.clk.Now()
	order.Backend = "simulator"
	order.Status = types.StatusWorking
	order.SubmittedAt = now
	order.UpdatedAt = now
	stored := order
	s.orders[order.ID] = &stored
	s.accountLocked(order.AccountID)

	var fills []types.Fill
	switch {
	case clock.Session(now) == types.SessionClosed:
		s.pendingOpen = append(s.pendingOpen, order.ID)
	case order.Type == types.OrderMarket:
		fills = s.executeLocked(&stored, now)
	default:
		s.restLocked(&stored, now)
	}

	ack := types.Ack{OrderID: order.ID, Status: stored.Status}
	s.seen[key] = ack
	s.mu.Unlock()

	s.deliver(fills)
	return ack, nil
}

// restLocked parks a limit or stop order, filling immediately if the
// current quote already makes it marketable.
func (s *Simulator) restLocked(order *types.Order, now time.Time) []types.Fill {
	q := s.lastQuoteLocked(order.Symbol)

	switch order.Type {
	case types.OrderLimit:
		if order.Side == types.SideBuy && q.Ask > 0 && q.Ask <= order.Limit {
			return s.fillAtLocked(order, q.Ask, now)
		}
		if order.Side == types.SideSell && q.Bid > 0 && q.Bid >= order.Limit {
			return s.fillAtLocked(order, q.Bid, now)
		}
		s.bookFor(order.Symbol).addLimit(order.ID, order.Side, order.Limit, s.nextSeqLocked())
	case types.OrderStop, types.OrderStopLimit:
		if q.Last > 0 && ((order.Side == types.SideBuy && q.Last >= order.Stop) ||
			(order.Side == types.SideSell && q.Last <= order.Stop)) {
			return s.triggerStopLocked(order, q, now)
		}
		s.bookFor(order.Symbol).addStop(order.ID, order.Side, order.Stop, s.nextSeqLocked())
	default:
		return s.executeLocked(order, now)
	}
	return nil
}

// triggerStopLocked runs a stop whose trigger price has been reached. A
// plain stop goes to market. A stop-limit converts to a limit at its limit
// price: it fills now if the quote is already inside the limit, otherwise
// it rests in the book like any other limit.
func (s *Simulator) triggerStopLocked(order *types.Order, q types.Quote, now time.Time) []types.Fill {
	if order.Type != types.OrderStopLimit {
		return s.executeLocked(order, now)
	}
	if order.Side == types.SideBuy && q.Ask > 0 && q.Ask <= order.Limit {
		return s.fillAtLocked(order, q.Ask, now)
	}
	if order.Side == types.SideSell && q.Bid > 0 && q.Bid >= order.Limit {
		return s.fillAtLocked(order, q.Bid, now)
	}
	s.bookFor(order.Symbol).addLimit(order.ID, order.Side, order.Limit, s.nextSeqLocked())
	return nil
}

func (s *Simulator) bookFor(symbol string) *book {
	b, ok := s.books[symbol]
	if !ok {
		b = newBook()
		s.books[symbol] = b
	}
	return b
}

func (s *Simulator) nextSeqLocked() uint64 {
	s.bookSeq++
	return s.bookSeq
}

func (s *Simulator) lastQuoteLocked(symbol string) types.Quote {
	if qs, ok := s.quotes[symbol]; ok {
		return qs.last
	}
	spec := s.cfg.SymbolSpecFor(symbol)
	half := spec.TickSize / 2
	return types.Quote{
		Symbol: symbol,
		Bid:    spec.SeedPrice - half,
		Ask:    spec.SeedPrice + half,
		Last:   spec.SeedPrice,
	}
}

// releaseQueuedLocked executes orders that were waiting for the session to
// open, in arrival order.
func (s *Simulator) releaseQueuedLocked(now time.Time) []types.Fill {
	if len(s.pendingOpen) == 0 {
		return nil
	}
	queued := s.pendingOpen
	s.pendingOpen = nil

	var fills []types.Fill
	for _, id := range queued {
		order, ok := s.orders[id]
		if !ok || order.Status.Terminal() {
			continue
		}
		if order.Type == types.OrderMarket {
			fills = append(fills, s.executeLocked(order, now)...)
		} else {
			fills = append(fills, s.restLocked(order, now)...)
		}
	}
	return fills
}

// executeLocked fills an order as a market order at the current quote with
// slippage applied.
func (s *Simulator) executeLocked(order *types.Order, now time.Time) []types.Fill {
	q := s.lastQuoteLocked(order.Symbol)
	spec := s.cfg.SymbolSpecFor(order.Symbol)

	slip := s.slippageLocked(order.Symbol, spec, order.Qty, now)
	var price float64
	if order.Side == types.SideBuy {
		price = q.Ask + slip
	} else {
		price = q.Bid - slip
		slip = -slip
	}
	return s.settleLocked(order, price, slip, now)
}

// fillAtLocked fills a resting limit order at its marketable price. Limit
// executions pay no slippage; the price is the protection.
func (s *Simulator) fillAtLocked(order *types.Order, price float64, now time.Time) []types.Fill {
	return s.settleLocked(order, price, 0, now)
}

func (s *Simulator) settleLocked(order *types.Order, price, slip float64, now time.Time) []types.Fill {
	spec := s.cfg.SymbolSpecFor(order.Symbol)
	qty := order.Remaining()
	if qty <= 0 {
		return nil
	}

	commission, fees := s.costs(spec, qty)
	fill := types.Fill{
		ID:         clock.NewID(),
		OrderID:    order.ID,
		AccountID:  order.AccountID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Qty:        qty,
		Price:      price,
		Commission: commission,
		Fees:       fees,
		Slippage:   slip,
		Timestamp:  now,
	}

	acct := s.accountLocked(order.AccountID)
	acct.apply(fill, spec.Multiplier)
	if !acct.reconciles() {
		s.degraded = true
		s.degradedMsg = fmt.Sprintf("ledger failed to reconcile on fill %s", fill.ID)
		s.logger.Error("cash conservation breach, refusing further orders",
			"account", acct.id, "fill", fill.ID)
	}

	order.FilledQty += qty
	order.AvgFillPrice = price
	order.Status = types.StatusFilled
	order.UpdatedAt = now
	return []types.Fill{fill}
}

// slippageLocked prices the market impact in ticks:
// base * session liquidity * volatility * sqrt(qty / avg volume).
func (s *Simulator) slippageLocked(symbol string, spec config.SymbolSpec, qty float64, now time.Time) float64 {
	liquidity := s.cfg.LiquidityRegular
	if clock.Session(now) == types.SessionExtended {
		liquidity = s.cfg.LiquidityExtended
	}

	vol := 1.0
	if qs, ok := s.quotes[symbol]; ok {
		vol = qs.volMult(spec.TickSize)
	}

	avgVol := spec.AvgVolume
	if avgVol <= 0 {
		avgVol = 1
	}
	ticks := spec.BaseSlippage * liquidity * vol * math.Sqrt(qty/avgVol)
	return ticks * spec.TickSize
}

func (s *Simulator) costs(spec config.SymbolSpec, qty float64) (commission, fees float64) {
	switch spec.AssetClass {
	case types.AssetFutures:
		commission = s.cfg.FuturesPerContract * qty
		fees = (s.cfg.RegulatoryFee + s.cfg.ExchangeFee) * qty
	default:
		commission = s.cfg.EquitiesPerShare * qty
		if commission < s.cfg.EquitiesMin {
			commission = s.cfg.EquitiesMin
		}
		fees = s.cfg.RegulatoryFee
	}
	return commission, fees
}

// Cancel pulls a resting or session-queued order.
func (s *Simulator) Cancel(ctx context.Context, orderID string) (broker.CancelStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return broker.CancelNotFound, nil
	}
	if order.Status.Terminal() {
		return broker.CancelAlreadyTerminal, nil
	}

	if b, ok := s.books[order.Symbol]; ok {
		b.remove(orderID)
	}
	for i, id := range s.pendingOpen {
		if id == orderID {
			s.pendingOpen = append(s.pendingOpen[:i], s.pendingOpen[i+1:]...)
			break
		}
	}
	order.Status = types.StatusCancelled
	order.UpdatedAt = s.clk.Now()
	return broker.CancelOK, nil
}

// Flatten market-closes every open position in the account.
func (s *Simulator) Flatten(ctx context.Context, accountID string) error {
	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	now := s.clk.Now()
	var fills []types.Fill
	for sym, pos := range acct.positions {
		qf, _ := pos.netQty.Float64()
		if qf == 0 {
			continue
		}
		side := types.SideSell
		if qf < 0 {
			side = types.SideBuy
		}
		order := &types.Order{
			ID:          clock.NewID(),
			AccountID:   accountID,
			Backend:     "simulator",
			Symbol:      sym,
			Side:        side,
			Qty:         math.Abs(qf),
			Type:        types.OrderMarket,
			Status:      types.StatusWorking,
			SubmittedAt: now,
		}
		s.orders[order.ID] = order
		fills = append(fills, s.executeLocked(order, now)...)
	}
	s.mu.Unlock()

	s.deliver(fills)
	return nil
}

// SubscribeFills replays stored fills after lastSeenFillID, then streams
// live fills until ctx is cancelled.
func (s *Simulator) SubscribeFills(ctx context.Context, accountID, lastSeenFillID string) (<-chan types.Fill, error) {
	ch := make(chan types.Fill, 256)

	s.mu.Lock()
	var backlog []types.Fill
	if acct, ok := s.accounts[accountID]; ok {
		backlog = acct.fillsAfter(lastSeenFillID)
	}
	s.subs[accountID] = append(s.subs[accountID], ch)
	s.mu.Unlock()

	for _, f := range backlog {
		select {
		case ch <- f:
		default:
		}
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		subs := s.subs[accountID]
		for i, c := range subs {
			if c == ch {
				s.subs[accountID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *Simulator) deliver(fills []types.Fill) {
	if len(fills) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fills {
		for _, ch := range s.subs[f.AccountID] {
			select {
			case ch <- f:
			default: // subscriber resumes via cursor
			}
		}
	}
}

// AccountSnapshot marks the account to the latest quotes.
func (s *Simulator) AccountSnapshot(ctx context.Context, accountID string) (broker.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked(accountID)
	mark := func(symbol string) float64 { return s.lastQuoteLocked(symbol).Mid() }

	cash, _ := acct.cash.Float64()
	equity, _ := acct.equity(mark).Float64()
	initial, _ := acct.initial.Float64()
	return broker.AccountSnapshot{
		AccountID:   accountID,
		Balance:     cash,
		Equity:      equity,
		BuyingPower: cash,
		DayPnL:      equity - initial,
		Positions:   acct.snapshot(mark, s.clk.Now()),
		AsOf:        s.clk.Now(),
	}, nil
}

// Reset restores an account to its initial balance, cancelling its resting
// orders. Fills already streamed are not recalled.
func (s *Simulator) Reset(accountID string, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if balance <= 0 {
		balance = s.cfg.InitialBalance
	}
	for id, order := range s.orders {
		if order.AccountID != accountID || order.Status.Terminal() {
			continue
		}
		if b, ok := s.books[order.Symbol]; ok {
			b.remove(id)
		}
		order.Status = types.StatusCancelled
	}
	s.accounts[accountID] = newAccount(accountID, balance)
}

// Order returns a copy of a known order.
func (s *Simulator) Order(orderID string) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// OpenOrders lists non-terminal orders, optionally filtered by account.
func (s *Simulator) OpenOrders(accountID string) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		if accountID != "" && o.AccountID != accountID {
			continue
		}
		out = append(out, *o)
	}
	return out
}

func (s *Simulator) Health() broker.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return broker.Health{
		Connected: true,
		Degraded:  s.degraded,
		LastOK:    s.clk.Now(),
		LastError: s.degradedMsg,
	}
}
