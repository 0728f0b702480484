package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(config.StoreConfig{
		Path:           filepath.Join(t.TempDir(), "test.db"),
		DegradedBuffer: 30 * time.Second,
		Retention:      30 * 24 * time.Hour,
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var ts = time.Date(2026, 8, 18, 15, 0, 0, 0, time.UTC)

func TestAlertIdempotencyWindow(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	s.AppendAlert(types.Alert{ID: "a1", ReceivedAt: ts, Symbol: "ES"})
	s.AppendAlert(types.Alert{ID: "a1", ReceivedAt: ts.Add(time.Minute), Symbol: "ES"}) // duplicate
	s.AppendAlert(types.Alert{ID: "a2", ReceivedAt: ts, Symbol: "NQ"})

	ids, err := s.SeenAlertIDs(ts.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("seen alerts = %v, want a1 and a2 once each", ids)
	}

	ids, err = s.SeenAlertIDs(ts.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("alerts before the cutoff leaked: %v", ids)
	}
}

func TestOrderUpsertAndAlertIndex(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	order := types.Order{
		ID: "o1", AlertID: "a1", AccountID: "paper_sim", Symbol: "ES",
		Side: types.SideBuy, Qty: 1, Status: types.StatusWorking,
		SubmittedAt: ts, UpdatedAt: ts,
	}
	s.UpsertOrder(order)

	order.Status = types.StatusFilled
	order.FilledQty = 1
	order.UpdatedAt = ts.Add(time.Second)
	s.UpsertOrder(order)

	got, ok, err := s.OrderByID("o1")
	if err != nil || !ok {
		t.Fatalf("order lookup: ok=%v err=%v", ok, err)
	}
	if got.Status != types.StatusFilled || got.FilledQty != 1 {
		t.Errorf("upsert kept stale state: %+v", got)
	}

	byAlert, err := s.OrdersByAlert("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byAlert) != 1 || byAlert[0].ID != "o1" {
		t.Errorf("alert index = %+v, want o1", byAlert)
	}

	listed, err := s.Orders("paper_sim", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Errorf("account listing = %d orders, want 1", len(listed))
	}
}

func TestOpenOrdersSkipsTerminal(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	mk := func(id string, status types.OrderStatus, at time.Time) {
		s.UpsertOrder(types.Order{
			ID: id, AccountID: "acct", Symbol: "ES", Side: types.SideBuy, Qty: 1,
			Status: status, SubmittedAt: at, UpdatedAt: at,
		})
	}
	mk("o-working", types.StatusWorking, ts)
	mk("o-partial", types.StatusPartial, ts.Add(time.Second))
	mk("o-filled", types.StatusFilled, ts.Add(2*time.Second))
	mk("o-cancelled", types.StatusCancelled, ts.Add(3*time.Second))

	open, err := s.OpenOrders()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("open orders = %d, want 2", len(open))
	}
	if open[0].ID != "o-working" || open[1].ID != "o-partial" {
		t.Errorf("open orders = %s, %s, want oldest first", open[0].ID, open[1].ID)
	}
}

func TestFillCursorResume(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if id, err := s.LastFillID("acct"); err != nil || id != "" {
		t.Fatalf("empty store cursor = %q/%v, want empty", id, err)
	}

	s.AppendFill(types.Fill{ID: "f1", OrderID: "o1", AccountID: "acct", Timestamp: ts})
	s.AppendFill(types.Fill{ID: "f2", OrderID: "o1", AccountID: "acct", Timestamp: ts.Add(time.Second)})
	s.AppendFill(types.Fill{ID: "f2", OrderID: "o1", AccountID: "acct", Timestamp: ts.Add(time.Second)}) // dup
	s.AppendFill(types.Fill{ID: "f9", OrderID: "o2", AccountID: "other", Timestamp: ts})

	id, err := s.LastFillID("acct")
	if err != nil {
		t.Fatal(err)
	}
	if id != "f2" {
		t.Errorf("cursor = %s, want f2", id)
	}
}

func TestTradeResultsAndOverridesReplayInOrder(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	for i, pnl := range []float64{100, -50, 75} {
		s.AppendTradeResult(types.TradeResult{
			StrategyID: "momo", NetPnL: pnl, Win: pnl > 0,
			ClosedAt: ts.Add(time.Duration(i) * time.Minute),
		})
	}
	s.AppendTransition(types.ModeTransition{
		StrategyID: "momo", ToMode: "live", Operator: "grimm", Timestamp: ts.Add(90 * time.Second),
	})
	s.AppendTransition(types.ModeTransition{
		StrategyID: "momo", ToMode: "paper", Reason: "automatic", Timestamp: ts.Add(2 * time.Minute),
	})

	results, err := s.TradeResults("momo")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 || results[0].NetPnL != 100 || results[2].NetPnL != 75 {
		t.Errorf("trade results out of order: %+v", results)
	}

	// Only the manual change counts as an override.
	overrides, err := s.OperatorOverrides("momo")
	if err != nil {
		t.Fatal(err)
	}
	if len(overrides) != 1 || overrides[0].Operator != "grimm" {
		t.Errorf("overrides = %+v, want only the operator change", overrides)
	}

	names, err := s.TrackedStrategies()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "momo" {
		t.Errorf("tracked strategies = %v", names)
	}
}

func TestViolationsNewestFirst(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	s.AppendViolation(types.RiskViolation{ID: "v1", AccountID: "TS1", Type: "daily_loss_cap", Timestamp: ts})
	s.AppendViolation(types.RiskViolation{ID: "v2", AccountID: "TS1", Type: "trailing_drawdown", Timestamp: ts.Add(time.Second)})

	got, err := s.Violations("TS1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "v2" {
		t.Errorf("violations = %+v, want newest first", got)
	}
}

func TestSnapshotsRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	s.SaveAccountSnapshot("paper_sim", map[string]float64{"balance": 49_500})
	s.SaveAccountSnapshot("paper_sim", map[string]float64{"balance": 49_750}) // overwrite

	snaps, err := s.AccountSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if string(snaps["paper_sim"]) != `{"balance":49750}` {
		t.Errorf("snapshot = %s", snaps["paper_sim"])
	}
}

func TestNotDegradedWhenHealthy(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	s.AppendAlert(types.Alert{ID: "a1", ReceivedAt: ts})
	if s.Degraded() {
		t.Error("healthy store should not report degraded")
	}
	if n := s.BufferedWrites(); n != 0 {
		t.Errorf("buffered writes = %d, want 0", n)
	}
}
