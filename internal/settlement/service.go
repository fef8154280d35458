package settlement

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/internal/ratelimit"
	"github.com/radieske/coin-settlement/internal/shared/clock"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
	"github.com/radieske/coin-settlement/pkg/contracts/events"
)

// Store é o subconjunto do ledger usado pelos saques
type Store interface {
	GetBalance(ctx context.Context, userID string) (ledger.Balance, error)
	ReserveWithdrawal(ctx context.Context, in ledger.ReserveWithdrawalInput) (ledger.Entry, ledger.Balance, error)
	CompleteWithdrawal(ctx context.Context, entryID, providerTxID string, now time.Time) (ledger.Entry, ledger.Balance, error)
	FailWithdrawal(ctx context.Context, entryID, message string, now time.Time) (ledger.Entry, ledger.Balance, error)
	GetEntry(ctx context.Context, entryID string) (ledger.Entry, error)
	ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]ledger.Entry, error)
}

type Limiter interface {
	Allow(ctx context.Context, clientIP string, rule ratelimit.Rule) ratelimit.Decision
}

type Publisher interface {
	PublishWithdrawal(ctx context.Context, e events.WithdrawalSettled) error
}

type Config struct {
	Currency        string
	MinWithdrawal   decimal.Decimal
	DailyLimit      decimal.Decimal
	WithdrawRule    ratelimit.Rule
	ProviderTimeout time.Duration
	StoreTimeout    time.Duration

	// Reconciliação de saques presos
	ReconcileAfter  time.Duration
	EscalateAfter   time.Duration
	PayoutScanCount int
	ReconcileBatch  int
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeProcessing Outcome = "processing"
)

type WithdrawRequest struct {
	UserID   string
	ClientIP string
	Address  string
	Amount   decimal.Decimal
	Currency string
}

// WithdrawResult: Failed traz o saldo já estornado; Processing traz o saldo com o débito mantido
type WithdrawResult struct {
	Outcome      Outcome
	Entry        ledger.Entry
	Balance      ledger.Balance
	ProviderTxID string
	Message      string
}

// Service orquestra saques: rate limit, validação, pré-débito, payout e commit/estorno
type Service struct {
	cfg      Config
	store    Store
	provider provider.Client
	limiter  Limiter
	pub      Publisher
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config, store Store, pc provider.Client, lim Limiter, pub Publisher, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 200
	}
	if cfg.PayoutScanCount <= 0 {
		cfg.PayoutScanCount = 100
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return &Service{cfg: cfg, store: store, provider: pc, limiter: lim, pub: pub, clock: clk, log: log, metrics: m}
}

var (
	coinAddress  = regexp.MustCompile(`^[A-Za-z0-9]{25,90}$`)
	emailAddress = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidAddress aceita endereço de carteira alfanumérico ou e-mail vinculado ao provedor
func ValidAddress(addr string) bool {
	if len(addr) > 254 {
		return false
	}
	return coinAddress.MatchString(addr) || emailAddress.MatchString(addr)
}

// CheckCurrency aplica a whitelist antes de qualquer chamada ao provedor
func (s *Service) CheckCurrency(currency string) error {
	if currency == "" {
		return inputErr("currency", "currency is required")
	}
	if !strings.EqualFold(currency, s.cfg.Currency) {
		return inputErr("currency", fmt.Sprintf("unsupported currency %q, only %s is accepted", currency, s.cfg.Currency))
	}
	return nil
}

func (s *Service) validate(req WithdrawRequest) (int64, error) {
	if err := s.CheckCurrency(req.Currency); err != nil {
		return 0, err
	}
	if !req.Amount.IsPositive() {
		return 0, inputErr("amount", "amount must be a positive number")
	}
	if req.Amount.LessThan(s.cfg.MinWithdrawal) {
		return 0, inputErr("amount", fmt.Sprintf("minimum withdrawal is %s %s", s.cfg.MinWithdrawal.String(), s.cfg.Currency))
	}
	minor, err := provider.ToMinor(req.Amount)
	if err != nil {
		return 0, inputErr("amount", err.Error())
	}
	if !ValidAddress(strings.TrimSpace(req.Address)) {
		return 0, inputErr("address", "destination address format is invalid")
	}
	return minor, nil
}

// dayStart é o início do dia UTC usado no teto diário
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// detached cria um contexto que não herda o cancelamento do chamador.
// Uma vez que o débito foi feito, payout e commit/estorno precisam terminar por conta própria.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Withdraw executa o saque completo
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	now := s.clock.Now()
	log := s.log.With(zap.String("user_id", req.UserID), zap.String("client_ip", req.ClientIP))

	if s.limiter == nil {
		// sem limiter não há proteção contra drenagem: nega
		return WithdrawResult{}, ErrWithdrawalsDisabled
	}
	if d := s.limiter.Allow(ctx, req.ClientIP, s.cfg.WithdrawRule); !d.Allowed {
		s.metrics.ObserveWithdrawal("rate_limited")
		return WithdrawResult{}, &RateLimitError{RetryAfter: d.RetryAfter(now), ResetAt: d.ResetAt}
	}

	if req.UserID == "" {
		return WithdrawResult{}, inputErr("user", "user is required")
	}
	minor, err := s.validate(req)
	if err != nil {
		s.metrics.ObserveWithdrawal("invalid")
		return WithdrawResult{}, err
	}
	address := strings.TrimSpace(req.Address)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	entry, bal, err := s.store.ReserveWithdrawal(sctx, ledger.ReserveWithdrawalInput{
		UserID:     req.UserID,
		Amount:     req.Amount,
		Currency:   s.cfg.Currency,
		Address:    address,
		DailyLimit: s.cfg.DailyLimit,
		DayStart:   dayStart(now),
		Now:        now,
	})
	cancel()
	if err != nil {
		var dl *ledger.DailyLimitError
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			s.metrics.ObserveWithdrawal("insufficient_balance")
		case errors.As(err, &dl):
			s.metrics.ObserveWithdrawal("daily_limit")
		default:
			s.metrics.ObserveWithdrawal("store_error")
			log.Error("reserve withdrawal failed", zap.Error(err))
		}
		return WithdrawResult{Balance: bal}, fmt.Errorf("reserve withdrawal: %w", err)
	}

	log = log.With(zap.String("entry_id", entry.ID), zap.String("amount", entry.Amount.String()))
	log.Info("withdrawal debited, calling provider",
		zap.String("from_earned", entry.EarnedDebit.String()),
		zap.String("from_deposited", entry.DepositedDebit.String()),
	)

	pctx, pcancel := detached(ctx, s.cfg.ProviderTimeout)
	res, err := s.provider.SendPayout(pctx, address, minor, s.cfg.Currency)
	pcancel()

	if err != nil {
		// Sem resposta definitiva: mantém pending e o débito; a reconciliação resolve
		log.Warn("payout outcome indeterminate, keeping debit", zap.Error(err))
		s.metrics.ObserveWithdrawal("processing")
		s.publish(ctx, entry, events.WithdrawalProcessing, "", "payout outcome unknown")
		return WithdrawResult{
			Outcome: OutcomeProcessing,
			Entry:   entry,
			Balance: bal,
			Message: "withdrawal is processing",
		}, nil
	}

	if !res.Succeeded {
		return s.refund(ctx, log, entry, res.Message)
	}
	return s.commit(ctx, log, entry, bal, res)
}

func (s *Service) refund(ctx context.Context, log *zap.Logger, entry ledger.Entry, message string) (WithdrawResult, error) {
	if message == "" {
		message = "payout rejected by provider"
	}
	sctx, cancel := detached(ctx, s.cfg.StoreTimeout)
	failed, bal, err := s.store.FailWithdrawal(sctx, entry.ID, message, s.clock.Now())
	cancel()
	if err != nil {
		// Provedor recusou, mas o estorno não gravou: entrada segue pending e vai para o operador
		log.Error("refund after provider rejection failed", zap.String("provider_message", message), zap.Error(err))
		s.metrics.ObserveWithdrawal("refund_error")
		return WithdrawResult{}, fmt.Errorf("refund withdrawal %s: %w", entry.ID, err)
	}

	log.Info("payout rejected, balance refunded", zap.String("provider_message", message))
	s.metrics.ObserveWithdrawal("failed")
	s.publish(ctx, failed, events.WithdrawalFailed, "", message)
	return WithdrawResult{Outcome: OutcomeFailed, Entry: failed, Balance: bal, Message: message}, nil
}

func (s *Service) commit(ctx context.Context, log *zap.Logger, entry ledger.Entry, debited ledger.Balance, res provider.PayoutResult) (WithdrawResult, error) {
	sctx, cancel := detached(ctx, s.cfg.StoreTimeout)
	done, bal, err := s.store.CompleteWithdrawal(sctx, entry.ID, res.ProviderTxID, s.clock.Now())
	cancel()
	if err != nil {
		// Payout saiu, ledger não confirmou: a reconciliação casa pelo histórico do provedor
		log.Error("payout sent but ledger commit failed",
			zap.String("provider_tx_id", res.ProviderTxID),
			zap.Error(err),
		)
		s.metrics.ObserveWithdrawal("processing")
		return WithdrawResult{
			Outcome:      OutcomeProcessing,
			Entry:        entry,
			Balance:      debited,
			ProviderTxID: res.ProviderTxID,
			Message:      "withdrawal is processing",
		}, nil
	}

	log.Info("withdrawal completed", zap.String("provider_tx_id", res.ProviderTxID))
	s.metrics.ObserveWithdrawal("completed")
	s.publish(ctx, done, events.WithdrawalCompleted, res.ProviderTxID, res.Message)
	return WithdrawResult{
		Outcome:      OutcomeCompleted,
		Entry:        done,
		Balance:      bal,
		ProviderTxID: res.ProviderTxID,
		Message:      "withdrawal sent",
	}, nil
}

// publish é best-effort: o ledger já é a fonte de verdade
func (s *Service) publish(ctx context.Context, e ledger.Entry, typ, providerTxID, message string) {
	if s.pub == nil {
		return
	}
	if providerTxID == "" {
		providerTxID = e.ExternalReference
	}
	pctx, cancel := detached(ctx, 3*time.Second)
	defer cancel()
	err := s.pub.PublishWithdrawal(pctx, events.WithdrawalSettled{
		Type:         typ,
		EntryID:      e.ID,
		UserID:       e.UserID,
		Amount:       e.Amount.String(),
		Currency:     e.Currency,
		Address:      e.CounterpartyAddress,
		Status:       string(e.Status),
		ProviderTxID: providerTxID,
		Message:      message,
		Ts:           s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("publish withdrawal event failed", zap.String("entry_id", e.ID), zap.String("type", typ), zap.Error(err))
	}
}

// Balance devolve o saldo do usuário no ledger
func (s *Service) Balance(ctx context.Context, userID string) (ledger.Balance, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.GetBalance(sctx, userID)
}

// CheckAddress valida formato e moeda localmente e depois consulta o provedor
func (s *Service) CheckAddress(ctx context.Context, address, currency string) (bool, error) {
	if err := s.CheckCurrency(currency); err != nil {
		return false, err
	}
	address = strings.TrimSpace(address)
	if !ValidAddress(address) {
		return false, inputErr("address", "destination address format is invalid")
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	return s.provider.ValidateRecipient(pctx, address, s.cfg.Currency)
}

func (s *Service) FaucetList(ctx context.Context, currency string) ([]provider.Faucet, error) {
	if err := s.CheckCurrency(currency); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	return s.provider.FaucetList(pctx, s.cfg.Currency)
}

// ProviderBalance é o saldo da plataforma no provedor (rota de operador)
func (s *Service) ProviderBalance(ctx context.Context) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	minor, err := s.provider.ProviderBalance(pctx, s.cfg.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	return provider.FromMinor(minor), nil
}

func (s *Service) Currency() string { return s.cfg.Currency }
