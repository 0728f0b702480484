// Package router turns validated alerts into orders on exactly one
// execution backend. Decisions apply in a fixed order: resolve the account
// group, overlay the strategy's tracker mode, consult the funded-account
// rules, clamp quantity to the remaining room, then submit. A single
// goroutine drains the inbound queue, which is what guarantees per-account
// ordering end to end.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/grimmolf/traderterminal/internal/broker"
	"github.com/grimmolf/traderterminal/internal/bus"
	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/funded"
	"github.com/grimmolf/traderterminal/internal/store"
	"github.com/grimmolf/traderterminal/internal/tracker"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// Router dispatches alerts to backends.
type Router struct {
	cfg     *config.Config
	clk     clock.Clock
	logger  *slog.Logger
	in      <-chan types.Alert
	brokers *broker.Registry
	tracker *tracker.Tracker
	funded  *funded.Engine
	store   *store.Store
	bus     *bus.Bus
}

func New(cfg *config.Config, clk clock.Clock, in <-chan types.Alert, brokers *broker.Registry,
	tr *tracker.Tracker, fe *funded.Engine, st *store.Store, b *bus.Bus, logger *slog.Logger) *Router {
	return &Router{
		cfg:     cfg,
		clk:     clk,
		logger:  logger.With("component", "router"),
		in:      in,
		brokers: brokers,
		tracker: tr,
		funded:  fe,
		store:   st,
		bus:     b,
	}
}

// Run drains the alert queue until ctx is cancelled. Each alert gets the
// configured processing budget, inherited by every downstream call.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-r.in:
			budget := r.cfg.Ingress.ProcessingBudget
			if budget <= 0 {
				budget = 5 * time.Second
			}
			actx, cancel := context.WithTimeout(ctx, budget)
			r.Dispatch(actx, alert)
			cancel()
		}
	}
}

// Dispatch routes one alert. Returns the resulting order, or the rejection
// that stopped it.
func (r *Router) Dispatch(ctx context.Context, alert types.Alert) (types.Order, *types.Rejection) {
	r.store.AppendAlert(alert)
	r.bus.Publish(bus.TopicAlerts, "alert", alert)

	group, ok := r.cfg.GroupByKey(alert.AccountGroup)
	if !ok {
		return types.Order{}, r.rejectAlert(alert, types.RejectUnknownGroup,
			fmt.Sprintf("account group %q is not configured", alert.AccountGroup))
	}

	backendName := group.Backend
	accountID := group.AccountID()
	overridden := false

	// Tracker overlay: a live route only stays live while the strategy is.
	// Paper and suspended strategies trade against the simulator.
	if alert.StrategyID != "" && backendName != "simulator" && !group.IsPaperPrefix() {
		if mode := r.tracker.Mode(alert.StrategyID); mode != types.ModeLive {
			backendName = "simulator"
			accountID = "paper_" + alert.AccountGroup
			overridden = true
			r.bus.Publish(bus.Scoped(bus.TopicStrategies, alert.StrategyID), "mode_override", map[string]any{
				"strategy": alert.StrategyID,
				"mode":     mode,
				"alert_id": alert.ID,
			})
			r.logger.Info("alert rerouted to simulator",
				"strategy", alert.StrategyID, "mode", mode, "alert", alert.ID)
		}
	}

	backend, ok := r.brokers.Lookup(backendName)
	if !ok {
		return types.Order{}, r.rejectAlert(alert, types.RejectUnknownGroup,
			fmt.Sprintf("backend %q is not registered", backendName))
	}

	order, rej := r.buildOrder(ctx, alert, group, backend, accountID, overridden)
	if rej != nil {
		return types.Order{}, rej
	}

	ack, err := backend.Submit(ctx, order)
	now := r.clk.Now()
	order.UpdatedAt = now
	if err != nil {
		order.Status = types.StatusRejected
		order.Reason = err.Error()
		r.logger.Error("submit failed", "order", order.ID, "backend", backendName, "error", err)
	} else {
		order.Status = ack.Status
		order.Reason = ack.Reason
	}

	r.store.UpsertOrder(order)
	r.publishOrder(order)
	return order, nil
}

// buildOrder resolves the action against current positions and applies the
// funded-account checks and clamps.
func (r *Router) buildOrder(ctx context.Context, alert types.Alert, group config.AccountGroupConfig,
	backend broker.Broker, accountID string, overridden bool) (types.Order, *types.Rejection) {

	now := r.clk.Now()
	order := types.Order{
		ID:           types.NewID(),
		AlertID:      alert.ID,
		AccountID:    accountID,
		Backend:      backend.Name(),
		Symbol:       alert.Symbol,
		Qty:          alert.Quantity,
		Type:         alert.OrderType,
		Limit:        alert.Price,
		Stop:         alert.StopPrice,
		Status:       types.StatusPending,
		ModeOverride: overridden,
		StrategyID:   alert.StrategyID,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}

	switch alert.Action {
	case types.ActionBuy:
		order.Side = types.SideBuy
	case types.ActionSell:
		order.Side = types.SideSell
	case types.ActionClose, types.ActionExit:
		// Size against the open position; the close always goes market.
		snap, err := backend.AccountSnapshot(ctx, accountID)
		if err != nil {
			return order, r.rejectAlert(alert, types.RejectDegraded,
				fmt.Sprintf("cannot resolve position for close: %v", err))
		}
		var open *types.Position
		for i := range snap.Positions {
			if snap.Positions[i].Symbol == alert.Symbol {
				open = &snap.Positions[i]
				break
			}
		}
		if open == nil || open.NetQty == 0 {
			order.Status = types.StatusRejected
			order.Reason = "no open position to close"
			r.store.UpsertOrder(order)
			r.publishOrder(order)
			return order, &types.Rejection{
				Code:          types.RejectSchemaInvalid,
				Message:       order.Reason,
				CorrelationID: alert.ID,
			}
		}
		order.Qty = math.Abs(open.NetQty)
		if alert.Quantity > 0 && alert.Quantity < order.Qty {
			order.Qty = alert.Quantity
		}
		order.Type = types.OrderMarket
		if open.NetQty > 0 {
			order.Side = types.SideSell
		} else {
			order.Side = types.SideBuy
		}
	}

	// Funded rules. Accounts without a registered rule set pass untouched.
	opens := !alert.Action.IsClose()
	proposed := funded.Proposed{
		Symbol:        order.Symbol,
		Qty:           order.Qty,
		WorstCaseLoss: r.worstCaseLoss(order),
		OpensPosition: opens,
	}

	if opens {
		if clamped, warn := r.clampQty(accountID, order.Qty, proposed.WorstCaseLoss); warn != "" {
			order.Qty = clamped
			proposed.Qty = clamped
			proposed.WorstCaseLoss = r.worstCaseLoss(order)
			order.Warnings = append(order.Warnings, warn)
		}
	}

	verdict := r.funded.Check(accountID, proposed, now)
	switch verdict.Severity {
	case funded.SeverityViolate:
		order.Status = types.StatusRejected
		order.Reason = verdict.Reason
		r.store.UpsertOrder(order)
		r.publishOrder(order)
		return order, r.rejectAlert(alert, types.RejectRiskViolation,
			fmt.Sprintf("%s: %s", verdict.Rule, verdict.Reason))
	case funded.SeverityWarn:
		order.Warnings = append(order.Warnings,
			fmt.Sprintf("%s: %s", verdict.Rule, verdict.Reason))
	}

	return order, nil
}

// worstCaseLoss projects the loss an opening order can realize. With both a
// limit and a stop, the stop distance times quantity. Otherwise the base
// slippage of the symbol stands in as a floor, so market and bare stop
// orders still consume daily-loss headroom instead of projecting zero.
func (r *Router) worstCaseLoss(order types.Order) float64 {
	if order.Stop > 0 && order.Limit > 0 {
		return math.Abs(order.Limit-order.Stop) * order.Qty
	}
	spec := r.cfg.Sim.SymbolSpecFor(order.Symbol)
	return spec.BaseSlippage * spec.TickSize * spec.Multiplier * order.Qty
}

// clampQty shrinks an opening order to the room the account has left:
// first the contract cap, then the daily-loss headroom at the projected
// per-contract risk. Returns the new quantity and a warning when clamped.
func (r *Router) clampQty(accountID string, qty, worstCase float64) (float64, string) {
	rules, ok := r.funded.Rules(accountID)
	if !ok {
		return qty, ""
	}
	state, _ := r.funded.State(accountID)

	clamped := qty
	if rules.MaxContracts > 0 {
		if room := rules.MaxContracts - state.OpenContracts; room > 0 && clamped > room {
			clamped = room
		}
	}
	if rules.MaxDailyLoss > 0 && worstCase > 0 && clamped > 0 {
		perContract := worstCase / qty
		headroom := rules.MaxDailyLoss + state.DayPnL // DayPnL is negative when losing
		if headroom > 0 {
			if room := math.Floor(headroom / perContract); room > 0 && clamped > room {
				clamped = room
			}
		}
	}

	if clamped < qty {
		return clamped, fmt.Sprintf("quantity clamped from %g to %g", qty, clamped)
	}
	return qty, ""
}

func (r *Router) publishOrder(order types.Order) {
	r.bus.Publish(bus.TopicOrders, "order", order)
	r.bus.Publish(bus.Scoped(bus.TopicOrders, order.AccountID), "order", order)
}

func (r *Router) rejectAlert(alert types.Alert, code types.RejectCode, message string) *types.Rejection {
	rej := &types.Rejection{
		Code:          code,
		Message:       message,
		CorrelationID: alert.ID,
	}
	r.logger.Warn("alert rejected", "alert", alert.ID, "code", code, "reason", message)
	r.bus.Publish(bus.TopicSystem, "alert_rejected", rej)
	return rej
}
