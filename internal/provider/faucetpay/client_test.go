package faucetpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/provider"
	simulator "github.com/radieske/coin-settlement/internal/provider-simulator"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
)

func newSimulatorClient(t *testing.T, ratio int) (*Client, *httptest.Server) {
	t.Helper()
	sim := simulator.New(zap.NewNop(), simulator.Config{
		APIKey:          "test-key",
		Recipient:       "treasury@example.com",
		SuccessRatio:    ratio,
		StartingBalance: 50_00000000,
	}, prometheus.NewRegistry())
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)

	m := metrics.New(prometheus.NewRegistry())
	return New(srv.URL+"/api/v1", "test-key", "DOGE", 2*time.Second, m), srv
}

func TestSendPayoutSucceeds(t *testing.T) {
	c, _ := newSimulatorClient(t, 100)
	ctx := context.Background()

	res, err := c.SendPayout(ctx, "DAddr0001", 150000000, "DOGE")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Succeeded || res.ProviderTxID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	bal, err := c.ProviderBalance(ctx, "DOGE")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 50_00000000-150000000 {
		t.Fatalf("unexpected provider balance %d", bal)
	}

	payouts, err := c.RecentPayouts(ctx, 10)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(payouts) != 1 || payouts[0].ProviderTxID != res.ProviderTxID || payouts[0].AmountMinor != 150000000 {
		t.Fatalf("unexpected payouts %+v", payouts)
	}
	if payouts[0].CreatedAt.IsZero() {
		t.Fatal("expected payout date to be parsed")
	}
}

func TestSendPayoutDefiniteRejection(t *testing.T) {
	c, _ := newSimulatorClient(t, 0)

	res, err := c.SendPayout(context.Background(), "DAddr0001", 100, "DOGE")
	if err != nil {
		t.Fatalf("definite rejection must not be an error: %v", err)
	}
	if res.Succeeded || res.Message == "" {
		t.Fatalf("expected failed result with message, got %+v", res)
	}
}

func TestSendPayoutNon2xxIsDefiniteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":403,"message":"Account suspended"}`))
	}))
	defer srv.Close()
	c := New(srv.URL, "k", "DOGE", time.Second, nil)

	res, err := c.SendPayout(context.Background(), "DAddr0001", 100, "DOGE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Succeeded || res.Message != "Account suspended" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSendPayoutTimeoutIsIndeterminate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)
	c := New(srv.URL, "k", "DOGE", 50*time.Millisecond, nil)

	_, err := c.SendPayout(context.Background(), "DAddr0001", 100, "DOGE")
	if !errors.Is(err, provider.ErrIndeterminate) {
		t.Fatalf("expected ErrIndeterminate, got %v", err)
	}
}

func TestSendPayoutGarbledBodyIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	}))
	defer srv.Close()
	c := New(srv.URL, "k", "DOGE", time.Second, nil)

	_, err := c.SendPayout(context.Background(), "DAddr0001", 100, "DOGE")
	if !errors.Is(err, provider.ErrIndeterminate) {
		t.Fatalf("expected ErrIndeterminate, got %v", err)
	}
}

func TestSendPayoutWithoutStatusIsIndeterminate(t *testing.T) {
	for _, body := range []string{`{}`, `{"message":"ok","payout_id":""}`, `{"status":null}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}))
		c := New(srv.URL, "k", "DOGE", time.Second, nil)

		res, err := c.SendPayout(context.Background(), "DAddr0001", 100, "DOGE")
		srv.Close()
		if !errors.Is(err, provider.ErrIndeterminate) {
			t.Fatalf("body %s: expected ErrIndeterminate, got res=%+v err=%v", body, res, err)
		}
	}
}

func TestSendPayoutAcceptsStringAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("api_key") != "k" || r.PostForm.Get("amount") != "12345" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":200,"message":"OK","payout_id":"987","balance":"100"}`))
	}))
	defer srv.Close()
	c := New(srv.URL, "k", "DOGE", time.Second, nil)

	res, err := c.SendPayout(context.Background(), "DAddr0001", 12345, "DOGE")
	if err != nil || !res.Succeeded || res.ProviderTxID != "987" {
		t.Fatalf("unexpected result %+v (%v)", res, err)
	}
}

func TestValidateRecipient(t *testing.T) {
	c, _ := newSimulatorClient(t, 100)
	ctx := context.Background()

	ok, err := c.ValidateRecipient(ctx, "player@example.com", "DOGE")
	if err != nil || !ok {
		t.Fatalf("expected valid recipient, got %v (%v)", ok, err)
	}
	ok, err = c.ValidateRecipient(ctx, "bad-account", "DOGE")
	if err != nil || ok {
		t.Fatalf("expected invalid recipient without error, got %v (%v)", ok, err)
	}
}

func TestWrongAPIKeyIsReported(t *testing.T) {
	_, srv := newSimulatorClient(t, 100)
	c := New(srv.URL+"/api/v1", "wrong", "DOGE", time.Second, nil)

	if _, err := c.ProviderBalance(context.Background(), "DOGE"); err == nil {
		t.Fatal("expected error for invalid api key")
	}
	res, err := c.SendPayout(context.Background(), "DAddr0001", 100, "DOGE")
	if err != nil || res.Succeeded {
		t.Fatalf("expected definite failure, got %+v (%v)", res, err)
	}
}

func TestRecentPayoutsIncludesIncomingMemo(t *testing.T) {
	c, srv := newSimulatorClient(t, 100)

	body, _ := json.Marshal(map[string]any{
		"from": "player@example.com", "amount": "2.5", "currency": "DOGE", "memo": "K7PQ2M9XAB", "skip_callback": true,
	})
	res, err := http.Post(srv.URL+"/simulate/deposit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("simulate deposit: %v", err)
	}
	res.Body.Close()

	payouts, err := c.RecentPayouts(context.Background(), 5)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected one transfer, got %d", len(payouts))
	}
	p := payouts[0]
	if p.Memo != "K7PQ2M9XAB" || p.To != "treasury@example.com" || p.AmountMinor != 250000000 {
		t.Fatalf("unexpected transfer %+v", p)
	}
}

func TestFaucetList(t *testing.T) {
	c, _ := newSimulatorClient(t, 100)
	list, err := c.FaucetList(context.Background(), "DOGE")
	if err != nil {
		t.Fatalf("faucetlist: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("expected faucets")
	}
	for _, f := range list {
		if f.Currency != "DOGE" {
			t.Fatalf("unexpected currency %s", f.Currency)
		}
	}
}
