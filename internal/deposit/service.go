package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/coin-settlement/internal/ledger"
	"github.com/radieske/coin-settlement/internal/provider"
	"github.com/radieske/coin-settlement/internal/shared/clock"
	"github.com/radieske/coin-settlement/internal/shared/metrics"
	"github.com/radieske/coin-settlement/pkg/contracts/events"
)

// Store é o subconjunto do ledger usado pelos depósitos
type Store interface {
	CreatePendingDeposit(ctx context.Context, d ledger.PendingDeposit) error
	GetPendingDeposit(ctx context.Context, id string) (ledger.PendingDeposit, error)
	FindDepositByCode(ctx context.Context, code string) (ledger.PendingDeposit, error)
	ListPendingDeposits(ctx context.Context, now time.Time, limit int) ([]ledger.PendingDeposit, error)
	CompleteDeposit(ctx context.Context, in ledger.CompleteDepositInput) (ledger.CompleteDepositResult, error)
	ExpireDeposits(ctx context.Context, now time.Time) (int64, error)
	ExpireDeposit(ctx context.Context, id string, now time.Time) (bool, error)
	RejectDeposit(ctx context.Context, id string) (ledger.PendingDeposit, error)
}

// History lista as transações recentes do provedor (caminho pull)
type History interface {
	RecentPayouts(ctx context.Context, count int) ([]provider.Payout, error)
}

type Publisher interface {
	PublishDeposit(ctx context.Context, e events.DepositSettled) error
}

var ErrCodeSpaceExhausted = errors.New("could not allocate a unique verification code")

// InputError é erro de entrada do cliente ou do callback
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Message) }

func inputErr(field, msg string) error { return &InputError{Field: field, Message: msg} }

type Config struct {
	Currency        string
	Recipient       string          // conta da plataforma no provedor
	TTL             time.Duration   // validade do pedido
	Tolerance       decimal.Decimal // fração mínima do valor esperado (0.95)
	MinDeposit      decimal.Decimal
	PayoutScanCount int
	PollBatch       int
	StoreTimeout    time.Duration
	ProviderTimeout time.Duration
}

type Path string

const (
	PathPush Path = "push"
	PathPull Path = "pull"
)

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeDuplicate  Outcome = "duplicate"   // referência externa já creditada
	OutcomeMismatch   Outcome = "mismatch"    // valor/moeda fora da tolerância; fica pending para revisão
	OutcomeUnmatched  Outcome = "unmatched"   // nenhum pedido com o código
	OutcomeExpired    Outcome = "expired"     // pedido vencido, nunca casa
	OutcomeNotPending Outcome = "not_pending" // pedido já fechado por outra transação ou rejeitado
)

// Notification é a transação recebida pelo callback IPN
type Notification struct {
	ProviderTxID string
	Memo         string
	Amount       decimal.Decimal
	Currency     string
	From         string
}

type Result struct {
	Outcome Outcome
	Request ledger.PendingDeposit
	Entry   ledger.Entry
	Balance ledger.Balance
	Message string
}

// Service reconcilia depósitos confirmados fora de banda: callback (push) e polling (pull)
// convergem em Complete, a única fronteira de idempotência.
type Service struct {
	cfg     Config
	store   Store
	history History
	pub     Publisher
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, store Store, history History, pub Publisher, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if !cfg.Tolerance.IsPositive() {
		cfg.Tolerance = decimal.RequireFromString("0.95")
	}
	if cfg.PayoutScanCount <= 0 {
		cfg.PayoutScanCount = 100
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 500
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return &Service{cfg: cfg, store: store, history: history, pub: pub, clock: clk, log: log, metrics: m}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// CreateRequest registra a intenção de depósito e devolve o código que o usuário coloca no memo
func (s *Service) CreateRequest(ctx context.Context, userID string, amount decimal.Decimal, currency string) (ledger.PendingDeposit, error) {
	if userID == "" {
		return ledger.PendingDeposit{}, inputErr("user", "user is required")
	}
	if !strings.EqualFold(currency, s.cfg.Currency) {
		return ledger.PendingDeposit{}, inputErr("currency", fmt.Sprintf("unsupported currency %q, only %s is accepted", currency, s.cfg.Currency))
	}
	if !amount.IsPositive() {
		return ledger.PendingDeposit{}, inputErr("amount", "amount must be a positive number")
	}
	if amount.LessThan(s.cfg.MinDeposit) {
		return ledger.PendingDeposit{}, inputErr("amount", fmt.Sprintf("minimum deposit is %s %s", s.cfg.MinDeposit.String(), s.cfg.Currency))
	}
	if _, err := provider.ToMinor(amount); err != nil {
		return ledger.PendingDeposit{}, inputErr("amount", err.Error())
	}

	now := s.clock.Now()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := newVerificationCode()
		if err != nil {
			return ledger.PendingDeposit{}, fmt.Errorf("generate code: %w", err)
		}
		d := ledger.PendingDeposit{
			ID:                uuid.NewString(),
			UserID:            userID,
			Amount:            amount,
			Currency:          s.cfg.Currency,
			VerificationCode:  code,
			RecipientOfRecord: s.cfg.Recipient,
			Status:            ledger.DepositPending,
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.cfg.TTL),
		}
		sctx, cancel := s.storeCtx(ctx)
		err = s.store.CreatePendingDeposit(sctx, d)
		cancel()
		if errors.Is(err, ledger.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return ledger.PendingDeposit{}, fmt.Errorf("create deposit request: %w", err)
		}
		s.log.Info("deposit request created",
			zap.String("request_id", d.ID),
			zap.String("user_id", userID),
			zap.String("amount", amount.String()),
			zap.Time("expires_at", d.ExpiresAt),
		)
		return d, nil
	}
	return ledger.PendingDeposit{}, ErrCodeSpaceExhausted
}

// GetRequest lê o pedido aplicando a expiração na leitura
func (s *Service) GetRequest(ctx context.Context, id string) (ledger.PendingDeposit, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	d, err := s.store.GetPendingDeposit(sctx, id)
	if err != nil {
		return ledger.PendingDeposit{}, err
	}
	return s.expireOnRead(sctx, d), nil
}

// expireOnRead vira para expired um pending vencido, sem esperar a varredura
func (s *Service) expireOnRead(ctx context.Context, d ledger.PendingDeposit) ledger.PendingDeposit {
	now := s.clock.Now()
	if d.Status != ledger.DepositPending || now.Before(d.ExpiresAt) {
		return d
	}
	if _, err := s.store.ExpireDeposit(ctx, d.ID, now); err != nil {
		s.log.Warn("read-time expiry failed", zap.String("request_id", d.ID), zap.Error(err))
	}
	d.Status = ledger.DepositExpired
	return d
}

// HandleCallback é o caminho push
func (s *Service) HandleCallback(ctx context.Context, n Notification) (Result, error) {
	n.ProviderTxID = strings.TrimSpace(n.ProviderTxID)
	if n.ProviderTxID == "" {
		return Result{}, inputErr("transaction_id", "transaction id is required")
	}
	code := normalizeCode(n.Memo)
	if code == "" {
		return Result{}, inputErr("custom", "verification code is required")
	}
	if !n.Amount.IsPositive() {
		return Result{}, inputErr("amount", "amount must be a positive number")
	}

	sctx, cancel := s.storeCtx(ctx)
	req, err := s.store.FindDepositByCode(sctx, code)
	cancel()
	if errors.Is(err, ledger.ErrNotFound) {
		s.metrics.ObserveDeposit(string(PathPush), string(OutcomeUnmatched))
		s.log.Warn("callback without matching deposit request",
			zap.String("provider_tx_id", n.ProviderTxID),
			zap.String("memo", code),
		)
		return Result{Outcome: OutcomeUnmatched, Message: "no deposit request for this code"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find deposit by code: %w", err)
	}
	return s.match(ctx, req, n, PathPush)
}

// match aplica as regras comuns aos dois caminhos antes da conclusão
func (s *Service) match(ctx context.Context, req ledger.PendingDeposit, n Notification, path Path) (Result, error) {
	log := s.log.With(
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("provider_tx_id", n.ProviderTxID),
		zap.String("path", string(path)),
	)

	if n.Currency != "" && !strings.EqualFold(n.Currency, req.Currency) {
		s.metrics.ObserveDeposit(string(path), string(OutcomeMismatch))
		log.Warn("deposit currency mismatch, left for manual review", zap.String("currency", n.Currency))
		return Result{Outcome: OutcomeMismatch, Request: req, Message: "currency does not match the request"}, nil
	}

	if req.Status == ledger.DepositPending {
		sctx, cancel := s.storeCtx(ctx)
		req = s.expireOnRead(sctx, req)
		cancel()
	}
	switch req.Status {
	case ledger.DepositExpired:
		s.metrics.ObserveDeposit(string(path), string(OutcomeExpired))
		log.Warn("deposit arrived for expired request, not credited")
		return Result{Outcome: OutcomeExpired, Request: req, Message: "deposit request expired"}, nil
	case ledger.DepositRejected:
		s.metrics.ObserveDeposit(string(path), string(OutcomeNotPending))
		return Result{Outcome: OutcomeNotPending, Request: req, Message: "deposit request was rejected"}, nil
	}

	minimum := req.Amount.Mul(s.cfg.Tolerance)
	if n.Amount.LessThan(minimum) {
		s.metrics.ObserveDeposit(string(path), string(OutcomeMismatch))
		log.Warn("deposit amount below tolerance, left for manual review",
			zap.String("expected", req.Amount.String()),
			zap.String("received", n.Amount.String()),
		)
		return Result{
			Outcome: OutcomeMismatch,
			Request: req,
			Message: fmt.Sprintf("received %s, expected at least %s", n.Amount.String(), minimum.String()),
		}, nil
	}

	return s.Complete(ctx, CompletionInput{
		RequestID:    req.ID,
		ProviderTxID: n.ProviderTxID,
		Amount:       n.Amount,
		Counterparty: n.From,
		Path:         path,
	})
}

type CompletionInput struct {
	RequestID    string
	ProviderTxID string
	Amount       decimal.Decimal
	Counterparty string
	Path         Path
}

// Complete é a rotina única de conclusão, compartilhada por push, pull e operador.
// Repetir a mesma referência externa é sucesso sem efeito.
func (s *Service) Complete(ctx context.Context, in CompletionInput) (Result, error) {
	now := s.clock.Now()
	// o crédito não pode ser abortado no meio pelo cancelamento do chamador
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	res, err := s.store.CompleteDeposit(sctx, ledger.CompleteDepositInput{
		RequestID:    in.RequestID,
		ProviderTxID: in.ProviderTxID,
		Amount:       in.Amount,
		Counterparty: in.Counterparty,
		Now:          now,
	})
	if errors.Is(err, ledger.ErrDepositNotPending) {
		req, gerr := s.store.GetPendingDeposit(sctx, in.RequestID)
		if gerr != nil {
			return Result{}, fmt.Errorf("complete deposit: %w", err)
		}
		if req.Status == ledger.DepositPending {
			req = s.expireOnRead(sctx, req)
		}
		outcome := OutcomeNotPending
		if req.Status == ledger.DepositExpired {
			outcome = OutcomeExpired
		}
		s.metrics.ObserveDeposit(string(in.Path), string(outcome))
		s.log.Warn("deposit not credited, request no longer pending",
			zap.String("request_id", in.RequestID),
			zap.String("provider_tx_id", in.ProviderTxID),
			zap.String("status", string(req.Status)),
		)
		return Result{Outcome: outcome, Request: req, Message: "deposit request is " + string(req.Status)}, nil
	}
	if err != nil {
		s.metrics.ObserveDeposit(string(in.Path), "store_error")
		return Result{}, fmt.Errorf("complete deposit: %w", err)
	}

	if !res.Credited {
		s.metrics.ObserveDeposit(string(in.Path), string(OutcomeDuplicate))
		s.log.Info("deposit already processed",
			zap.String("request_id", in.RequestID),
			zap.String("provider_tx_id", in.ProviderTxID),
		)
		return Result{Outcome: OutcomeDuplicate, Request: res.Deposit, Message: "already processed"}, nil
	}

	s.metrics.ObserveDeposit(string(in.Path), string(OutcomeCompleted))
	s.log.Info("deposit credited",
		zap.String("request_id", res.Deposit.ID),
		zap.String("user_id", res.Deposit.UserID),
		zap.String("entry_id", res.Entry.ID),
		zap.String("amount", res.Entry.Amount.String()),
		zap.String("provider_tx_id", in.ProviderTxID),
		zap.String("path", string(in.Path)),
	)
	s.publish(ctx, res, in.Path)
	return Result{
		Outcome: OutcomeCompleted,
		Request: res.Deposit,
		Entry:   res.Entry,
		Balance: res.Balance,
		Message: "deposit credited",
	}, nil
}

func (s *Service) publish(ctx context.Context, res ledger.CompleteDepositResult, path Path) {
	if s.pub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	err := s.pub.PublishDeposit(pctx, events.DepositSettled{
		Type:         events.DepositCompleted,
		RequestID:    res.Deposit.ID,
		EntryID:      res.Entry.ID,
		UserID:       res.Deposit.UserID,
		Amount:       res.Entry.Amount.String(),
		Currency:     res.Entry.Currency,
		ProviderTxID: res.Entry.ExternalReference,
		Path:         string(path),
		Ts:           s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("publish deposit event failed", zap.String("request_id", res.Deposit.ID), zap.Error(err))
	}
}

// PollReport resume uma passada do caminho pull
type PollReport struct {
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Duplicates int `json:"duplicates"`
	Mismatched int `json:"mismatched"`
	Unmatched  int `json:"unmatched"`
}

// Poll é o caminho pull: cruza pedidos pending com o histórico recente do provedor pelo memo
func (s *Service) Poll(ctx context.Context) (PollReport, error) {
	now := s.clock.Now()
	var report PollReport

	sctx, cancel := s.storeCtx(ctx)
	pending, err := s.store.ListPendingDeposits(sctx, now, s.cfg.PollBatch)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list pending deposits: %w", err)
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	pctx, pcancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	history, err := s.history.RecentPayouts(pctx, s.cfg.PayoutScanCount)
	pcancel()
	if err != nil {
		return report, fmt.Errorf("recent payouts: %w", err)
	}

	byMemo := make(map[string][]provider.Payout)
	for _, p := range history {
		memo := normalizeCode(p.Memo)
		if memo == "" || p.ProviderTxID == "" {
			continue
		}
		// só transferências recebidas pela conta da plataforma
		if s.cfg.Recipient != "" && p.To != "" && !strings.EqualFold(p.To, s.cfg.Recipient) {
			continue
		}
		byMemo[memo] = append(byMemo[memo], p)
	}

	for _, req := range pending {
		candidates := byMemo[req.VerificationCode]
		if len(candidates) == 0 {
			report.Unmatched++
			continue
		}
	candidateLoop:
		for _, p := range candidates {
			res, err := s.match(ctx, req, Notification{
				ProviderTxID: p.ProviderTxID,
				Memo:         p.Memo,
				Amount:       provider.FromMinor(p.AmountMinor),
				Currency:     p.Currency,
				From:         p.From,
			}, PathPull)
			if err != nil {
				s.log.Error("pull completion failed", zap.String("request_id", req.ID), zap.Error(err))
				break
			}
			switch res.Outcome {
			case OutcomeCompleted:
				report.Completed++
				break candidateLoop
			case OutcomeDuplicate:
				report.Duplicates++
				break candidateLoop
			case OutcomeMismatch:
				// outra transação com o mesmo memo ainda pode casar
				report.Mismatched++
			default:
				break candidateLoop
			}
		}
	}

	s.log.Info("deposit poll pass",
		zap.Int("pending", report.Pending),
		zap.Int("completed", report.Completed),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("mismatched", report.Mismatched),
		zap.Int("unmatched", report.Unmatched),
	)
	return report, nil
}

// ExpireStale é a varredura periódica de expiração
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.store.ExpireDeposits(sctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire deposits: %w", err)
	}
	s.metrics.ObserveExpiredDeposits(n)
	if n > 0 {
		s.log.Info("expired stale deposit requests", zap.Int64("count", n))
	}
	return n, nil
}

// Reject é o override do operador
func (s *Service) Reject(ctx context.Context, id string) (ledger.PendingDeposit, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	d, err := s.store.RejectDeposit(sctx, id)
	if err != nil {
		return ledger.PendingDeposit{}, err
	}
	s.log.Info("deposit request rejected by operator", zap.String("request_id", id), zap.String("user_id", d.UserID))
	return d, nil
}

func (s *Service) Currency() string { return s.cfg.Currency }
