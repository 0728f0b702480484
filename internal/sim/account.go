package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// account is one paper account's ledger. All money moves through decimals;
// float64 appears only at the JSON boundary. The ledger identity
//
//	cash + basis == initial + realized - costs
//
// where basis is the signed cost of open positions, must hold after every
// fill. A breach means the position math and the cash math disagree, and
// the simulator takes itself out of service rather than drift.
type account struct {
	id       string
	initial  decimal.Decimal
	cash     decimal.Decimal
	realized decimal.Decimal
	costs    decimal.Decimal // cumulative commissions and fees

	positions map[string]*position
	fills     []types.Fill // ordered, for SubscribeFills resume
}

type position struct {
	netQty     decimal.Decimal
	avgEntry   decimal.Decimal
	multiplier decimal.Decimal
	realized   decimal.Decimal
	updatedAt  time.Time
}

func newAccount(id string, balance float64) *account {
	bal := decimal.NewFromFloat(balance)
	return &account{
		id:        id,
		initial:   bal,
		cash:      bal,
		positions: make(map[string]*position),
	}
}

// apply books a fill against cash and the per-symbol position, returning the
// realized PnL of any reduced quantity.
func (a *account) apply(f types.Fill, multiplier float64) decimal.Decimal {
	price := decimal.NewFromFloat(f.Price)
	qty := decimal.NewFromFloat(f.Qty)
	mult := decimal.NewFromFloat(multiplier)
	cost := decimal.NewFromFloat(f.Commission).Add(decimal.NewFromFloat(f.Fees))

	notional := price.Mul(qty).Mul(mult)
	if f.Side == types.SideBuy {
		a.cash = a.cash.Sub(notional)
	} else {
		a.cash = a.cash.Add(notional)
	}
	a.cash = a.cash.Sub(cost)
	a.costs = a.costs.Add(cost)

	pos, ok := a.positions[f.Symbol]
	if !ok {
		pos = &position{multiplier: mult}
		a.positions[f.Symbol] = pos
	}

	signed := qty
	if f.Side == types.SideSell {
		signed = qty.Neg()
	}

	var realized decimal.Decimal
	switch {
	case pos.netQty.IsZero() || pos.netQty.Sign() == signed.Sign():
		// Opening or adding: blend the average entry.
		total := pos.netQty.Add(signed)
		pos.avgEntry = pos.avgEntry.Mul(pos.netQty.Abs()).Add(price.Mul(qty)).Div(total.Abs())
		pos.netQty = total
	default:
		// Reducing (and possibly flipping through flat).
		closeQty := decimal.Min(qty, pos.netQty.Abs())
		diff := price.Sub(pos.avgEntry)
		if pos.netQty.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(closeQty).Mul(mult)
		pos.realized = pos.realized.Add(realized)
		a.realized = a.realized.Add(realized)

		pos.netQty = pos.netQty.Add(signed)
		if pos.netQty.IsZero() {
			pos.avgEntry = decimal.Zero
		} else if pos.netQty.Sign() == signed.Sign() {
			// Flipped: the remainder opens at the fill price.
			pos.avgEntry = price
		}
	}
	pos.updatedAt = f.Timestamp

	a.fills = append(a.fills, f)
	return realized
}

// basis is the signed open cost of all positions. Short positions carry a
// negative basis, matching the cash they brought in.
func (a *account) basis() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.positions {
		total = total.Add(p.netQty.Mul(p.avgEntry).Mul(p.multiplier))
	}
	return total
}

// ledgerTolerance absorbs the rounding of average-entry blending, which
// divides at decimal.DivisionPrecision. Anything past a hundredth of a cent
// is a real accounting bug, not rounding.
var ledgerTolerance = decimal.RequireFromString("0.0001")

// reconciles reports whether the ledger identity holds.
func (a *account) reconciles() bool {
	lhs := a.cash.Add(a.basis())
	rhs := a.initial.Add(a.realized).Sub(a.costs)
	return lhs.Sub(rhs).Abs().LessThanOrEqual(ledgerTolerance)
}

// equity marks open positions to the given quotes.
func (a *account) equity(mark func(symbol string) float64) decimal.Decimal {
	eq := a.cash
	for sym, p := range a.positions {
		if p.netQty.IsZero() {
			continue
		}
		px := decimal.NewFromFloat(mark(sym))
		eq = eq.Add(p.netQty.Mul(px).Mul(p.multiplier))
	}
	return eq
}

func (a *account) snapshot(mark func(symbol string) float64, now time.Time) []types.Position {
	out := make([]types.Position, 0, len(a.positions))
	for sym, p := range a.positions {
		if p.netQty.IsZero() {
			continue
		}
		px := decimal.NewFromFloat(mark(sym))
		unreal := p.netQty.Mul(px.Sub(p.avgEntry)).Mul(p.multiplier)
		mf, _ := p.multiplier.Float64()
		qf, _ := p.netQty.Float64()
		af, _ := p.avgEntry.Float64()
		rf, _ := p.realized.Float64()
		uf, _ := unreal.Float64()
		out = append(out, types.Position{
			AccountID:     a.id,
			Symbol:        sym,
			NetQty:        qf,
			AvgEntry:      af,
			RealizedPnL:   rf,
			UnrealizedPnL: uf,
			Multiplier:    mf,
			UpdatedAt:     p.updatedAt,
		})
	}
	return out
}

// openContracts sums absolute open quantity across symbols.
func (a *account) openContracts() float64 {
	total := decimal.Zero
	for _, p := range a.positions {
		total = total.Add(p.netQty.Abs())
	}
	f, _ := total.Float64()
	return f
}

func (a *account) fillsAfter(lastSeenFillID string) []types.Fill {
	if lastSeenFillID == "" {
		return append([]types.Fill(nil), a.fills...)
	}
	for i, f := range a.fills {
		if f.ID == lastSeenFillID {
			return append([]types.Fill(nil), a.fills[i+1:]...)
		}
	}
	return append([]types.Fill(nil), a.fills...)
}
