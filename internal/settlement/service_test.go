package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/internal/ratelimit"
	"github.com/radieske/coin-settlement/pkg/contracts/events"
)

const addr = "DH5yaieqoZN36fDVciNyRueRGvGLR3mr7L"

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu      sync.Mutex
	send    func(ctx context.Context, address string, minor int64) (provider.PayoutResult, error)
	payouts []provider.Payout
	calls   int
}

func (f *fakeProvider) ValidateRecipient(ctx context.Context, address, currency string) (bool, error) {
	return !strings.HasPrefix(address, "bad"), nil
}

func (f *fakeProvider) ProviderBalance(ctx context.Context, currency string) (int64, error) {
	return 42_00000000, nil
}

func (f *fakeProvider) SendPayout(ctx context.Context, address string, minor int64, currency string) (provider.PayoutResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	send := f.send
	f.mu.Unlock()
	if send == nil {
		return provider.PayoutResult{ProviderTxID: fmt.Sprintf("tx-%d", n), Succeeded: true}, nil
	}
	return send(ctx, address, minor)
}

func (f *fakeProvider) RecentPayouts(ctx context.Context, count int) ([]provider.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Payout(nil), f.payouts...), nil
}

func (f *fakeProvider) FaucetList(ctx context.Context, currency string) ([]provider.Faucet, error) {
	return []provider.Faucet{{Name: "Doge Drip", Currency: currency}}, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.WithdrawalSettled
}

func (p *capturePublisher) PublishWithdrawal(ctx context.Context, e events.WithdrawalSettled) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// openLimiter nunca nega (regra desativada)
type openLimiter struct{}

func (openLimiter) Allow(ctx context.Context, ip string, rule ratelimit.Rule) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true}
}

type fixture struct {
	svc   *Service
	store *ledger.Memory
	prov  *fakeProvider
	pub   *capturePublisher
	clock *stepClock
}

func testConfig() Config {
	return Config{
		Currency:        "DOGE",
		MinWithdrawal:   decimal.RequireFromString("0.1"),
		DailyLimit:      decimal.Zero,
		ProviderTimeout: time.Second,
		StoreTimeout:    time.Second,
		ReconcileAfter:  10 * time.Minute,
		EscalateAfter:   24 * time.Hour,
	}
}

func newFixture(t *testing.T, cfg Config, lim Limiter) *fixture {
	t.Helper()
	if lim == nil {
		lim = openLimiter{}
	}
	f := &fixture{
		store: ledger.NewMemory(),
		prov:  &fakeProvider{},
		pub:   &capturePublisher{},
		clock: &stepClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = New(cfg, f.store, f.prov, lim, f.pub, f.clock, zap.NewNop(), nil)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func withdraw(amount string) WithdrawRequest {
	return WithdrawRequest{UserID: "u1", ClientIP: "10.0.0.1", Address: addr, Amount: dec(amount), Currency: "DOGE"}
}

func assertBalance(t *testing.T, b ledger.Balance, earned, deposited string) {
	t.Helper()
	if !b.Earned.Equal(dec(earned)) || !b.Deposited.Equal(dec(deposited)) {
		t.Fatalf("expected %s/%s, got %s/%s", earned, deposited, b.Earned, b.Deposited)
	}
}

func TestWithdrawDrainsEarnedFirst(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("3"), dec("10"))

	res, err := f.svc.Withdraw(context.Background(), withdraw("5"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.ProviderTxID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	assertBalance(t, res.Balance, "0", "8")
	if !res.Balance.TotalWithdrawn.Equal(dec("5")) {
		t.Fatalf("expected total withdrawn 5, got %s", res.Balance.TotalWithdrawn)
	}
	if res.Entry.Status != ledger.StatusCompleted || res.Entry.ExternalReference != res.ProviderTxID {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}
	if got := f.pub.types(); len(got) != 1 || got[0] != events.WithdrawalCompleted {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestDefiniteRejectionRefundsExactly(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("3"), dec("10"))
	f.prov.send = func(ctx context.Context, address string, minor int64) (provider.PayoutResult, error) {
		return provider.PayoutResult{Succeeded: false, Message: "Not enough funds."}, nil
	}

	res, err := f.svc.Withdraw(context.Background(), withdraw("5"))
	if err != nil {
		t.Fatalf("definite rejection must not error: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Message != "Not enough funds." {
		t.Fatalf("unexpected result %+v", res)
	}
	assertBalance(t, res.Balance, "3", "10")
	if res.Entry.Status != ledger.StatusFailed {
		t.Fatalf("expected failed entry, got %s", res.Entry.Status)
	}
}

func TestIndeterminateOutcomeKeepsDebit(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("3"), dec("10"))
	f.prov.send = func(ctx context.Context, address string, minor int64) (provider.PayoutResult, error) {
		return provider.PayoutResult{}, fmt.Errorf("%w: read tcp: i/o timeout", provider.ErrIndeterminate)
	}

	res, err := f.svc.Withdraw(context.Background(), withdraw("5"))
	if err != nil {
		t.Fatalf("indeterminate outcome must not error: %v", err)
	}
	if res.Outcome != OutcomeProcessing {
		t.Fatalf("expected processing, got %s", res.Outcome)
	}
	assertBalance(t, res.Balance, "0", "8")

	e, _ := f.store.GetEntry(context.Background(), res.Entry.ID)
	if e.Status != ledger.StatusPending {
		t.Fatalf("expected pending entry, got %s", e.Status)
	}
	b, _ := f.store.GetBalance(context.Background(), "u1")
	assertBalance(t, b, "0", "8")
}

func TestCallerCancellationDoesNotCancelPayout(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("1"), dec("0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var payoutCtxErr error
	f.prov.send = func(pctx context.Context, address string, minor int64) (provider.PayoutResult, error) {
		cancel() // cliente desconectou no meio da chamada
		payoutCtxErr = pctx.Err()
		return provider.PayoutResult{ProviderTxID: "tx-1", Succeeded: true}, nil
	}

	res, err := f.svc.Withdraw(ctx, withdraw("1"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if payoutCtxErr != nil {
		t.Fatalf("payout context was cancelled with the caller: %v", payoutCtxErr)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected commit to survive caller cancellation, got %s", res.Outcome)
	}
}

func TestConservationUnderConcurrentWithdrawals(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("2"), dec("3"))

	var mu sync.Mutex
	n := 0
	f.prov.send = func(ctx context.Context, address string, minor int64) (provider.PayoutResult, error) {
		mu.Lock()
		n++
		k := n
		mu.Unlock()
		switch k % 3 {
		case 0:
			return provider.PayoutResult{Succeeded: false, Message: "rejected"}, nil
		case 1:
			return provider.PayoutResult{ProviderTxID: fmt.Sprintf("tx-%d", k), Succeeded: true}, nil
		default:
			return provider.PayoutResult{}, provider.ErrIndeterminate
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Withdraw(context.Background(), withdraw("0.5"))
		}()
	}
	wg.Wait()

	b, _ := f.store.GetBalance(context.Background(), "u1")
	if b.Earned.IsNegative() || b.Deposited.IsNegative() {
		t.Fatalf("negative bucket: %+v", b)
	}

	held := decimal.Zero
	completed := decimal.Zero
	for _, e := range f.store.Entries("u1") {
		switch e.Status {
		case ledger.StatusCompleted:
			completed = completed.Add(e.Amount)
			held = held.Add(e.Amount)
		case ledger.StatusPending:
			held = held.Add(e.Amount)
		}
	}
	decrease := dec("5").Sub(b.Available())
	if !decrease.Equal(held) {
		t.Fatalf("balance decreased by %s but completed+pending entries sum to %s", decrease, held)
	}
	if !b.TotalWithdrawn.Equal(completed) {
		t.Fatalf("total withdrawn %s != completed %s", b.TotalWithdrawn, completed)
	}
}

func TestDailyCeilingScenario(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = dec("5.0000")
	f := newFixture(t, cfg, nil)
	f.store.Seed("u1", dec("20"), dec("0"))
	ctx := context.Background()

	if _, err := f.svc.Withdraw(ctx, withdraw("4.9000")); err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}
	f.clock.Advance(3 * time.Hour)

	_, err := f.svc.Withdraw(ctx, withdraw("0.2000"))
	var dl *ledger.DailyLimitError
	if !errors.As(err, &dl) {
		t.Fatalf("expected DailyLimitError, got %v", err)
	}
	if !strings.Contains(err.Error(), "remaining allowance 0.1000") {
		t.Fatalf("expected remaining allowance in message, got %q", err.Error())
	}

	res, err := f.svc.Withdraw(ctx, withdraw("0.1000"))
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Fatalf("expected 0.1000 to succeed, got %+v (%v)", res, err)
	}
	used, _ := f.store.WithdrawnSince(ctx, "u1", dayStart(f.clock.Now()))
	if used.StringFixed(4) != "5.0000" {
		t.Fatalf("expected 5.0000 today, got %s", used.StringFixed(4))
	}

	// novo dia UTC libera o teto
	f.clock.Advance(24 * time.Hour)
	if _, err := f.svc.Withdraw(ctx, withdraw("1")); err != nil {
		t.Fatalf("expected allowance on next day, got %v", err)
	}
}

func TestWithdrawRateLimitRejectsBeforeLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &stepClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	lim := ratelimit.New(ratelimit.NewRedisStore(rdb), clk, zap.NewNop(), nil)

	cfg := testConfig()
	cfg.WithdrawRule = ratelimit.Rule{Endpoint: "withdraw", MaxRequests: 2, Window: time.Hour}
	f := newFixture(t, cfg, lim)
	f.clock = clk
	f.svc = New(cfg, f.store, f.prov, lim, f.pub, clk, zap.NewNop(), nil)
	f.store.Seed("u1", dec("10"), dec("0"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Withdraw(ctx, withdraw("1")); err != nil {
			t.Fatalf("withdrawal %d: %v", i+1, err)
		}
	}
	_, err := f.svc.Withdraw(ctx, withdraw("1"))
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Hour {
		t.Fatalf("unexpected retry after %s", rl.RetryAfter)
	}
	if got := len(f.store.Entries("u1")); got != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", got)
	}

	// outro IP tem janela própria
	req := withdraw("1")
	req.ClientIP = "10.0.0.2"
	if _, err := f.svc.Withdraw(ctx, req); err != nil {
		t.Fatalf("other ip: %v", err)
	}
}

func TestWithdrawInputErrors(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("10"), dec("0"))

	cases := map[string]WithdrawRequest{
		"currency":     {UserID: "u1", Address: addr, Amount: dec("1"), Currency: "BTC"},
		"no currency":  {UserID: "u1", Address: addr, Amount: dec("1")},
		"negative":     {UserID: "u1", Address: addr, Amount: dec("-1"), Currency: "DOGE"},
		"zero":         {UserID: "u1", Address: addr, Amount: decimal.Zero, Currency: "DOGE"},
		"below min":    {UserID: "u1", Address: addr, Amount: dec("0.05"), Currency: "DOGE"},
		"too precise":  {UserID: "u1", Address: addr, Amount: dec("1.000000001"), Currency: "DOGE"},
		"bad address":  {UserID: "u1", Address: "not an address", Amount: dec("1"), Currency: "DOGE"},
		"short addr":   {UserID: "u1", Address: "D123", Amount: dec("1"), Currency: "DOGE"},
		"missing user": {Address: addr, Amount: dec("1"), Currency: "DOGE"},
	}
	for name, req := range cases {
		_, err := f.svc.Withdraw(context.Background(), req)
		var ie *InputError
		if !errors.As(err, &ie) {
			t.Errorf("%s: expected InputError, got %v", name, err)
		}
	}
	if got := len(f.store.Entries("u1")); got != 0 {
		t.Fatalf("input errors must not touch the ledger, got %d entries", got)
	}
	if f.prov.calls != 0 {
		t.Fatalf("provider must not be called, got %d calls", f.prov.calls)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("1"), dec("1"))

	_, err := f.svc.Withdraw(context.Background(), withdraw("2.5"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.prov.calls != 0 {
		t.Fatal("provider must not be called")
	}
}

func TestEmailRecipientAccepted(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.store.Seed("u1", dec("1"), dec("0"))

	req := withdraw("1")
	req.Address = "player@example.com"
	if _, err := f.svc.Withdraw(context.Background(), req); err != nil {
		t.Fatalf("expected email recipient to be accepted: %v", err)
	}
}

func TestCheckAddressEnforcesWhitelist(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	ok, err := f.svc.CheckAddress(ctx, addr, "doge")
	if err != nil || !ok {
		t.Fatalf("expected valid, got %v (%v)", ok, err)
	}
	var ie *InputError
	if _, err := f.svc.CheckAddress(ctx, addr, "BTC"); !errors.As(err, &ie) {
		t.Fatalf("expected InputError for BTC, got %v", err)
	}
}

func TestWithdrawWithoutLimiterIsRefused(t *testing.T) {
	store := ledger.NewMemory()
	store.Seed("u1", dec("3"), dec("0"))
	svc := New(testConfig(), store, &fakeProvider{}, nil, nil, nil, zap.NewNop(), nil)

	if _, err := svc.Withdraw(context.Background(), withdraw("1")); !errors.Is(err, ErrWithdrawalsDisabled) {
		t.Fatalf("expected ErrWithdrawalsDisabled, got %v", err)
	}
	b, _ := store.GetBalance(context.Background(), "u1")
	assertBalance(t, b, "3", "0")
}
