package simulator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	sdto "github.com/radieske/coin-settlement/internal/provider-simulator/dto"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(zap.NewNop(), cfg, prometheus.NewRegistry())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func postForm(t *testing.T, url string, form url.Values, out any) {
	t.Helper()
	res, err := http.PostForm(url, form)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

func TestSendDebitsBalanceAndRecordsHistory(t *testing.T) {
	_, srv := newTestServer(t, Config{APIKey: "k", SuccessRatio: 100, StartingBalance: 1000})

	var sent sdto.SendResp
	postForm(t, srv.URL+"/api/v1/send", url.Values{"api_key": {"k"}, "to": {"someone@example.com"}, "amount": {"400"}, "currency": {"doge"}}, &sent)
	if sent.Status != sdto.StatusOK || sent.PayoutID == 0 || sent.Balance != "600" {
		t.Fatalf("unexpected send %+v", sent)
	}

	var broke sdto.Envelope
	postForm(t, srv.URL+"/api/v1/send", url.Values{"api_key": {"k"}, "to": {"someone@example.com"}, "amount": {"700"}, "currency": {"DOGE"}}, &broke)
	if broke.Status != sdto.StatusNoFunds {
		t.Fatalf("expected no funds, got %+v", broke)
	}

	var hist sdto.PayoutsResp
	postForm(t, srv.URL+"/api/v1/payouts", url.Values{"api_key": {"k"}, "count": {"10"}, "currency": {"DOGE"}}, &hist)
	if len(hist.Rewards) != 1 || hist.Rewards[0].Amount != "400" || hist.Rewards[0].To != "someone@example.com" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestRejectionsAndAuth(t *testing.T) {
	_, srv := newTestServer(t, Config{APIKey: "k", SuccessRatio: 0, StartingBalance: 1000})

	var rejected sdto.Envelope
	postForm(t, srv.URL+"/api/v1/send", url.Values{"api_key": {"k"}, "to": {"someone@example.com"}, "amount": {"1"}, "currency": {"DOGE"}}, &rejected)
	if rejected.Status != sdto.StatusRejected {
		t.Fatalf("expected rejection, got %+v", rejected)
	}

	var unauth sdto.Envelope
	postForm(t, srv.URL+"/api/v1/getbalance", url.Values{"api_key": {"nope"}}, &unauth)
	if unauth.Status != sdto.StatusUnauthorized {
		t.Fatalf("expected 401 in body, got %+v", unauth)
	}

	var invalid sdto.Envelope
	postForm(t, srv.URL+"/api/v1/checkaddress", url.Values{"api_key": {"k"}, "address": {"bad-wallet"}}, &invalid)
	if invalid.Status != sdto.StatusInvalidAddress {
		t.Fatalf("expected 456, got %+v", invalid)
	}
}

func TestSimulateDepositFiresCallback(t *testing.T) {
	var mu sync.Mutex
	var got url.Values
	ipn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		got = r.PostForm
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ipn.Close()

	_, srv := newTestServer(t, Config{Recipient: "treasury@example.com", CallbackURL: ipn.URL, CallbackSecret: "s3cret"})

	body, _ := json.Marshal(sdto.SimulateDepositReq{From: "player@example.com", Amount: "1.5", Currency: "doge", Memo: "ABCDEFGHJK"})
	res, err := http.Post(srv.URL+"/simulate/deposit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out sdto.SimulateDepositResp
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.CallbackStatus != http.StatusOK || out.Transfer.Amount != "150000000" || out.Transfer.To != "treasury@example.com" {
		t.Fatalf("unexpected response %+v", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Get("custom") != "ABCDEFGHJK" || got.Get("amount") != "1.5" || got.Get("token") != "s3cret" || got.Get("currency") != "DOGE" {
		t.Fatalf("unexpected ipn form %v", got)
	}
	if strings.TrimSpace(got.Get("transaction_id")) == "" {
		t.Fatal("ipn without transaction id")
	}
}
