package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/creds"
	"github.com/grimmolf/traderterminal/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAdapter(t *testing.T, srv *httptest.Server) *restAdapter {
	t.Helper()
	t.Setenv("TESTVENUE_ACCESS_TOKEN", "tok-123")

	cs, err := creds.Open(config.CredsConfig{})
	if err != nil {
		t.Fatalf("open creds: %v", err)
	}
	return newRESTAdapter("testvenue", config.Broker{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		CredsScope: "testvenue",
	}, false, cs, testLogger())
}

func testOrder() types.Order {
	return types.Order{
		ID:        "ord-1",
		AlertID:   "alert-1",
		AccountID: "acct-1",
		Symbol:    "ES",
		Side:      types.SideBuy,
		Qty:       2,
		Type:      types.OrderMarket,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.Ack{OrderID: "ord-1", Status: types.StatusWorking})
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	ack, err := a.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != types.StatusWorking {
		t.Errorf("status = %s, want working", ack.Status)
	}
	if gotKey != "acct-1:alert-1" {
		t.Errorf("idempotency key = %q, want acct-1:alert-1", gotKey)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if h := a.Health(); !h.Connected {
		t.Error("adapter should be connected after a successful call")
	}
}

func TestSubmitRetriesOnlyAfterKeyLookup(t *testing.T) {
	var posts, lookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			if posts.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(types.Ack{OrderID: "ord-1", Status: types.StatusWorking})
		case r.Method == http.MethodGet:
			lookups.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	ack, err := a.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Status != types.StatusWorking {
		t.Errorf("status = %s, want working", ack.Status)
	}
	if lookups.Load() == 0 {
		t.Error("retry should be preceded by an idempotency-key lookup")
	}
	if posts.Load() != 2 {
		t.Errorf("posts = %d, want 2", posts.Load())
	}
}

func TestSubmitRecoversAckFromKeyLookup(t *testing.T) {
	// First POST "fails" after the broker actually booked the order. The
	// key lookup must return that ack instead of double-placing.
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts.Add(1)
			w.WriteHeader(http.StatusGatewayTimeout)
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(types.Ack{OrderID: "ord-1", Status: types.StatusWorking})
		}
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	ack, err := a.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.OrderID != "ord-1" || ack.Status != types.StatusWorking {
		t.Errorf("ack = %+v, want the booked order from the key lookup", ack)
	}
	if posts.Load() != 1 {
		t.Errorf("posts = %d, want exactly 1 (no double placement)", posts.Load())
	}
}

func TestSubmitPermanentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient margin", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	ack, err := a.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("4xx should map to a rejected ack, not an error: %v", err)
	}
	if ack.Status != types.StatusRejected {
		t.Errorf("status = %s, want rejected", ack.Status)
	}
}

func TestSubmitIdempotentLocally(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.Ack{OrderID: "ord-1", Status: types.StatusWorking})
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	if _, err := a.Submit(context.Background(), testOrder()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Submit(context.Background(), testOrder()); err != nil {
		t.Fatal(err)
	}
	if posts.Load() != 1 {
		t.Errorf("posts = %d, want 1 for the same (account, alert) pair", posts.Load())
	}
}

func TestCancelStatuses(t *testing.T) {
	codes := map[string]int{
		"working": http.StatusNoContent,
		"missing": http.StatusNotFound,
		"done":    http.StatusConflict,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(codes[r.URL.Path[len("/orders/"):]])
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	for id, want := range map[string]CancelStatus{
		"working": CancelOK,
		"missing": CancelNotFound,
		"done":    CancelAlreadyTerminal,
	} {
		got, err := a.Cancel(context.Background(), id)
		if err != nil {
			t.Fatalf("cancel %s: %v", id, err)
		}
		if got != want {
			t.Errorf("cancel %s = %s, want %s", id, got, want)
		}
	}
}

func TestSubscribeFillsResumesFromCursor(t *testing.T) {
	fills := []types.Fill{
		{ID: "f1", OrderID: "ord-1", Qty: 1, Price: 5000},
		{ID: "f2", OrderID: "ord-1", Qty: 1, Price: 5000.25},
	}
	var firstAfter atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		firstAfter.CompareAndSwap(nil, after)
		var out []types.Fill
		for _, f := range fills {
			if after == "" || f.ID > after {
				out = append(out, f)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.SubscribeFills(ctx, "acct-1", "f1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case f := <-ch:
		if f.ID != "f2" {
			t.Errorf("fill = %s, want f2 (resume after f1)", f.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fill")
	}
	if got := firstAfter.Load(); got != "f1" {
		t.Errorf("first poll cursor = %v, want f1", got)
	}
}

func TestHealthTracksFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := testAdapter(t, srv)
	a.maxRetries = 1
	if _, err := a.Submit(context.Background(), testOrder()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	h := a.Health()
	if h.Connected {
		t.Error("adapter should report disconnected after repeated failures")
	}
	if h.LastError == "" {
		t.Error("last error should be recorded")
	}
}

func TestPresetResolution(t *testing.T) {
	t.Setenv("TT_CREDS_KEY", "")
	cs, err := creds.Open(config.CredsConfig{})
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"tradovate", "tastytrade", "schwab", "topstepx"} {
		b, ok := New(name, config.Broker{}, false, cs, testLogger())
		if !ok {
			t.Fatalf("backend %s not resolved", name)
		}
		if b.Name() != name {
			t.Errorf("name = %s, want %s", b.Name(), name)
		}
	}
	if _, ok := New("ibkr", config.Broker{}, false, cs, testLogger()); ok {
		t.Error("unknown backend should not resolve")
	}
}
