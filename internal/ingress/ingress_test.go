package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/grimmolf/traderterminal/internal/clock"
	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/pkg/types"
)

const secret = "test-webhook-secret"

var received = time.Date(2026, 8, 18, 15, 0, 0, 0, time.UTC)

func testHandler(queue chan types.Alert, degraded func() bool) (*Handler, *clock.Fake) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := &clock.Fake{T: received}
	h := New(config.IngressConfig{
		Secret:         secret,
		RatePerMinute:  600, // generous, rate tests override
		Burst:          100,
		ReplayWindow:   5 * time.Minute,
		MaxBodyBytes:   64 * 1024,
		IdempotencyTTL: 24 * time.Hour,
	}, clk, queue, degraded, nil, logger)
	return h, clk
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func post(h *Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/tradingview", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:9999"
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validBody(ts time.Time) string {
	return fmt.Sprintf(`{"symbol":"ES","action":"buy","quantity":1,"account_group":"paper_sim","strategy":"momo","ts":"%s"}`,
		ts.Format(time.RFC3339))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return resp
}

func TestAcceptsSignedAlert(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	body := validBody(received)
	w := post(h, body, sign(body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp.Status != "received" || resp.AlertID == "" || resp.CorrelationID == "" {
		t.Errorf("response = %+v", resp)
	}

	alert := <-queue
	if alert.Symbol != "ES" || alert.Action != types.ActionBuy || alert.AccountGroup != "paper_sim" {
		t.Errorf("alert = %+v", alert)
	}
	if alert.ID != resp.AlertID {
		t.Error("queued alert and response disagree on alert_id")
	}
	// The raw ts field is retained as an extra, part of the identity hash.
	if alert.Extras["ts"] == "" {
		t.Error("ts should be retained in extras")
	}
}

func TestRejectsBadSignature(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	body := validBody(received)
	for _, sig := range []string{"", "sha256=deadbeef", "md5=abc"} {
		w := post(h, body, sig)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("signature %q: status = %d, want 401", sig, w.Code)
		}
		if resp := decode(t, w); resp.Code != types.RejectBadSignature {
			t.Errorf("signature %q: code = %s", sig, resp.Code)
		}
	}
	if len(queue) != 0 {
		t.Error("unsigned alerts must not reach the queue")
	}
}

func TestReplayWindowRejectsStaleTimestamps(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	stale := validBody(received.Add(-10 * time.Minute))
	w := post(h, stale, sign(stale))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decode(t, w); resp.Code != types.RejectReplay {
		t.Errorf("code = %s, want replay", resp.Code)
	}

	future := validBody(received.Add(10 * time.Minute))
	if w := post(h, future, sign(future)); w.Code != http.StatusBadRequest {
		t.Errorf("future timestamp: status = %d, want 400", w.Code)
	}

	inside := validBody(received.Add(-2 * time.Minute))
	if w := post(h, inside, sign(inside)); w.Code != http.StatusAccepted {
		t.Errorf("in-window timestamp: status = %d, want 202", w.Code)
	}
}

func TestDuplicateAlertSuppressed(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	body := validBody(received)
	if w := post(h, body, sign(body)); w.Code != http.StatusAccepted {
		t.Fatalf("first post: %d", w.Code)
	}
	w := post(h, body, sign(body))
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate post: status = %d, want 200", w.Code)
	}
	// Retries see the same body as first delivery, only the status code differs.
	if resp := decode(t, w); resp.Status != "received" || resp.AlertID == "" {
		t.Errorf("response = %+v, want received with the original alert_id", resp)
	}
	if len(queue) != 1 {
		t.Errorf("queue has %d alerts, want 1", len(queue))
	}

	// Same fields, different key order: identical identity.
	reordered := fmt.Sprintf(`{"action":"buy","symbol":"ES","quantity":1,"strategy":"momo","account_group":"paper_sim","ts":"%s"}`,
		received.Format(time.RFC3339))
	w = post(h, reordered, sign(reordered))
	if w.Code != http.StatusOK {
		t.Errorf("key order must not change the alert identity: status = %d, want 200", w.Code)
	}
}

func TestSchemaValidation(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	cases := []string{
		`not json`,
		`{"action":"buy","quantity":1,"account_group":"g"}`,               // no symbol
		`{"symbol":"ES","action":"hold","quantity":1,"account_group":"g"}`, // bad action
		`{"symbol":"ES","action":"buy","quantity":0,"account_group":"g"}`,  // zero qty
		`{"symbol":"ES","action":"buy","quantity":1}`,                      // no group
		`{"symbol":"ES","action":"buy","quantity":1,"account_group":"g","order_type":"iceberg"}`,
	}
	for _, body := range cases {
		w := post(h, body, sign(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
		if resp := decode(t, w); resp.Code != types.RejectSchemaInvalid {
			t.Errorf("body %s: code = %s", body, resp.Code)
		}
	}

	// close with no quantity is legal: the router sizes it from the position.
	closeBody := `{"symbol":"ES","action":"close","account_group":"paper_sim"}`
	if w := post(h, closeBody, sign(closeBody)); w.Code != http.StatusAccepted {
		t.Errorf("close without quantity: status = %d, want 202", w.Code)
	}
}

func TestQuantityCoercionAndExtras(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	body := `{"symbol":"es","action":"SELL","quantity":"3","account_group":"paper_sim","custom_tag":"breakout-v2"}`
	if w := post(h, body, sign(body)); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, body)
	}
	alert := <-queue
	if alert.Symbol != "ES" {
		t.Errorf("symbol = %q, want upper-cased ES", alert.Symbol)
	}
	if alert.Action != types.ActionSell {
		t.Errorf("action = %q, want sell", alert.Action)
	}
	if alert.Quantity != 3 {
		t.Errorf("quantity = %v, want coerced 3", alert.Quantity)
	}
	if alert.Extras["custom_tag"] != "breakout-v2" {
		t.Errorf("extras = %v, want custom_tag retained", alert.Extras)
	}
}

func TestHygieneScanRefusesSuspectPayloads(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	for _, body := range []string{
		`{"symbol":"ES","action":"buy","quantity":1,"account_group":"g","comment":"<script>alert(1)</script>"}`,
		`{"symbol":"ES","action":"buy","quantity":1,"account_group":"g","comment":"1; DROP TABLE orders"}`,
		`{"symbol":"ES","action":"buy","quantity":1,"account_group":"g","comment":"$(curl evil)"}`,
	} {
		w := post(h, body, sign(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("suspect body accepted: %s", body)
		}
		if resp := decode(t, w); resp.Code != types.RejectPayloadSuspect {
			t.Errorf("code = %s, want payload_suspect", resp.Code)
		}
	}
}

func TestNonJSONContentTypeRefused(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	body := validBody(received)
	req := httptest.NewRequest(http.MethodPost, "/webhook/tradingview", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(SignatureHeader, sign(body))
	req.RemoteAddr = "203.0.113.7:9999"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
	if resp := decode(t, w); resp.Code != types.RejectPayloadSuspect {
		t.Errorf("code = %s, want payload_suspect", resp.Code)
	}
	if len(queue) != 0 {
		t.Error("non-JSON content type must not reach the queue")
	}

	// A charset parameter on the JSON media type is fine.
	req = httptest.NewRequest(http.MethodPost, "/webhook/tradingview", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set(SignatureHeader, sign(body))
	req.RemoteAddr = "203.0.113.7:9999"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 for application/json with charset", w.Code)
	}
}

func TestRateLimitPerSource(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 64)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := &clock.Fake{T: received}
	h := New(config.IngressConfig{
		Secret:         secret,
		RatePerMinute:  50,
		Burst:          10,
		ReplayWindow:   5 * time.Minute,
		MaxBodyBytes:   64 * 1024,
		IdempotencyTTL: 24 * time.Hour,
	}, clk, queue, nil, nil, logger)

	var limited bool
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf(`{"symbol":"ES","action":"buy","quantity":1,"account_group":"g","n":%d}`, i)
		w := post(h, body, sign(body))
		if w.Code == http.StatusTooManyRequests {
			limited = true
			if resp := decode(t, w); resp.Code != types.RejectRateLimited {
				t.Errorf("code = %s, want rate_limited", resp.Code)
			}
			break
		}
	}
	if !limited {
		t.Error("burst of 20 should trip a burst-10 limiter")
	}
}

func TestQueueFullBackPressure(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 1)
	h, _ := testHandler(queue, nil)

	first := validBody(received)
	if w := post(h, first, sign(first)); w.Code != http.StatusAccepted {
		t.Fatalf("first: %d", w.Code)
	}

	second := `{"symbol":"NQ","action":"buy","quantity":1,"account_group":"paper_sim"}`
	w := post(h, second, sign(second))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if resp := decode(t, w); resp.Code != types.RejectQueueFull {
		t.Errorf("code = %s, want queue_full", resp.Code)
	}

	// The refused alert was not burned: once the queue drains it can retry.
	<-queue
	if w := post(h, second, sign(second)); w.Code != http.StatusAccepted {
		t.Errorf("retry after drain: status = %d, want 202", w.Code)
	}
}

func TestDegradedStoreRefusesIntake(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, func() bool { return true })

	body := validBody(received)
	w := post(h, body, sign(body))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if resp := decode(t, w); resp.Code != types.RejectDegraded {
		t.Errorf("code = %s, want degraded", resp.Code)
	}
}

func TestBodySizeCap(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	h, _ := testHandler(queue, nil)

	big := fmt.Sprintf(`{"symbol":"ES","action":"buy","quantity":1,"account_group":"g","pad":"%s"}`,
		strings.Repeat("x", 70*1024))
	w := post(h, big, sign(big))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestSeededIdempotencyWindow(t *testing.T) {
	t.Parallel()
	queue := make(chan types.Alert, 8)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := &clock.Fake{T: received}

	// Compute the ID the handler would assign, then seed a fresh handler
	// with it, as the engine does from the store after a restart.
	first := New(config.IngressConfig{
		Secret: secret, RatePerMinute: 600, Burst: 100,
		ReplayWindow: 5 * time.Minute, MaxBodyBytes: 64 * 1024, IdempotencyTTL: 24 * time.Hour,
	}, clk, queue, nil, nil, logger)
	body := validBody(received)
	resp := decode(t, post(first, body, sign(body)))
	<-queue

	h := New(config.IngressConfig{
		Secret: secret, RatePerMinute: 600, Burst: 100,
		ReplayWindow: 5 * time.Minute, MaxBodyBytes: 64 * 1024, IdempotencyTTL: 24 * time.Hour,
	}, clk, queue, nil, []string{resp.AlertID}, logger)

	w := post(h, body, sign(body))
	if w.Code != http.StatusOK {
		t.Errorf("seeded handler should treat the alert as a duplicate: status = %d, want 200", w.Code)
	}
	if len(queue) != 0 {
		t.Error("seeded duplicate must not be re-dispatched")
	}
}
