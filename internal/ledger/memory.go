package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory é o ledger em memória (LEDGER_BACKEND=memory), com a mesma semântica do Postgres.
// Um único mutex faz o papel das travas de linha e das transações.
type Memory struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  map[string]*Entry
	deposits map[string]*PendingDeposit
	codes    map[string]string // verification_code -> deposit id
	depRefs  map[string]string // referência externa de depósito concluído -> entry id
	wdRefs   map[string]string // referência externa de saque concluído -> entry id
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]*Balance),
		entries:  make(map[string]*Entry),
		deposits: make(map[string]*PendingDeposit),
		codes:    make(map[string]string),
		depRefs:  make(map[string]string),
		wdRefs:   make(map[string]string),
	}
}

// Seed credita os baldes diretamente; usado por ambiente local e testes
func (m *Memory) Seed(userID string, earned, deposited decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance(userID)
	b.Earned = b.Earned.Add(earned)
	b.Deposited = b.Deposited.Add(deposited)
}

func (m *Memory) balance(userID string) *Balance {
	b, ok := m.balances[userID]
	if !ok {
		b = &Balance{UserID: userID}
		m.balances[userID] = b
	}
	return b
}

func (m *Memory) GetBalance(_ context.Context, userID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return *b, nil
	}
	return Balance{UserID: userID}, nil
}

func (m *Memory) WithdrawnSince(_ context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawnSince(userID, since), nil
}

func (m *Memory) withdrawnSince(userID string, since time.Time) decimal.Decimal {
	used := decimal.Zero
	for _, e := range m.entries {
		if e.UserID != userID || e.Kind != KindWithdrawal || e.Status == StatusFailed {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		used = used.Add(e.Amount)
	}
	return used
}

func (m *Memory) ReserveWithdrawal(_ context.Context, in ReserveWithdrawalInput) (Entry, Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(in.UserID)
	if b.Available().LessThan(in.Amount) {
		return Entry{}, *b, ErrInsufficientBalance
	}
	if err := checkDailyLimit(in.DailyLimit, m.withdrawnSince(in.UserID, in.DayStart), in.Amount); err != nil {
		return Entry{}, *b, err
	}

	fromEarned, fromDeposited := splitDebit(b.Earned, in.Amount)
	e := &Entry{
		ID:                  uuid.NewString(),
		UserID:              in.UserID,
		Kind:                KindWithdrawal,
		Amount:              in.Amount,
		Currency:            in.Currency,
		Status:              StatusPending,
		CounterpartyAddress: in.Address,
		EarnedDebit:         fromEarned,
		DepositedDebit:      fromDeposited,
		CreatedAt:           in.Now,
		UpdatedAt:           in.Now,
	}
	m.entries[e.ID] = e

	b.Earned = b.Earned.Sub(fromEarned)
	b.Deposited = b.Deposited.Sub(fromDeposited)
	b.UpdatedAt = in.Now
	return *e, *b, nil
}

func (m *Memory) CompleteWithdrawal(_ context.Context, entryID, providerTxID string, now time.Time) (Entry, Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return Entry{}, Balance{}, ErrNotFound
	}
	if e.Kind != KindWithdrawal {
		return Entry{}, Balance{}, ErrInvalidStatus
	}
	if e.Status == StatusCompleted && e.ExternalReference == providerTxID {
		return *e, *m.balance(e.UserID), nil
	}
	if e.Status != StatusPending {
		return Entry{}, Balance{}, ErrInvalidStatus
	}
	if providerTxID != "" {
		if _, dup := m.wdRefs[providerTxID]; dup {
			return Entry{}, Balance{}, ErrDuplicateReference
		}
		m.wdRefs[providerTxID] = e.ID
	}

	e.Status = StatusCompleted
	e.ExternalReference = providerTxID
	e.UpdatedAt = now

	b := m.balance(e.UserID)
	b.TotalWithdrawn = b.TotalWithdrawn.Add(e.Amount)
	b.UpdatedAt = now
	return *e, *b, nil
}

func (m *Memory) FailWithdrawal(_ context.Context, entryID, message string, now time.Time) (Entry, Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return Entry{}, Balance{}, ErrNotFound
	}
	if e.Kind != KindWithdrawal {
		return Entry{}, Balance{}, ErrInvalidStatus
	}
	if e.Status == StatusFailed {
		return *e, *m.balance(e.UserID), nil
	}
	if e.Status != StatusPending {
		return Entry{}, Balance{}, ErrInvalidStatus
	}

	b := m.balance(e.UserID)
	b.Earned = b.Earned.Add(e.EarnedDebit)
	b.Deposited = b.Deposited.Add(e.DepositedDebit)
	b.UpdatedAt = now

	e.Status = StatusFailed
	e.Message = message
	e.UpdatedAt = now
	return *e, *b, nil
}

func (m *Memory) GetEntry(_ context.Context, entryID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (m *Memory) ListPendingWithdrawals(_ context.Context, createdBefore time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.Kind == KindWithdrawal && e.Status == StatusPending && e.CreatedAt.Before(createdBefore) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries devolve as movimentações do usuário em ordem de criação
func (m *Memory) Entries(userID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) CreatePendingDeposit(_ context.Context, d PendingDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.codes[d.VerificationCode]; dup {
		return ErrDuplicateCode
	}
	d.Status = DepositPending
	m.deposits[d.ID] = &d
	m.codes[d.VerificationCode] = d.ID
	return nil
}

func (m *Memory) GetPendingDeposit(_ context.Context, id string) (PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return PendingDeposit{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) FindDepositByCode(_ context.Context, code string) (PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	if !ok {
		return PendingDeposit{}, ErrNotFound
	}
	return *m.deposits[id], nil
}

func (m *Memory) ListPendingDeposits(_ context.Context, now time.Time, limit int) ([]PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingDeposit, 0)
	for _, d := range m.deposits {
		if d.Matchable(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CompleteDeposit(_ context.Context, in CompleteDepositInput) (CompleteDepositResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deposits[in.RequestID]
	if !ok {
		return CompleteDepositResult{}, ErrNotFound
	}
	if _, dup := m.depRefs[in.ProviderTxID]; dup {
		return CompleteDepositResult{Credited: false, Deposit: *d}, nil
	}
	if !d.Matchable(in.Now) {
		return CompleteDepositResult{}, ErrDepositNotPending
	}

	e := &Entry{
		ID:                  uuid.NewString(),
		UserID:              d.UserID,
		Kind:                KindDeposit,
		Amount:              in.Amount,
		Currency:            d.Currency,
		Status:              StatusCompleted,
		ExternalReference:   in.ProviderTxID,
		CounterpartyAddress: in.Counterparty,
		DepositRequestID:    d.ID,
		CreatedAt:           in.Now,
		UpdatedAt:           in.Now,
	}
	m.entries[e.ID] = e
	m.depRefs[in.ProviderTxID] = e.ID

	completedAt := in.Now
	d.Status = DepositCompleted
	d.ExternalReference = in.ProviderTxID
	d.CompletedAt = &completedAt

	b := m.balance(d.UserID)
	b.Deposited = b.Deposited.Add(in.Amount)
	b.UpdatedAt = in.Now
	return CompleteDepositResult{Credited: true, Entry: *e, Balance: *b, Deposit: *d}, nil
}

func (m *Memory) ExpireDeposits(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.deposits {
		if d.Status == DepositPending && !now.Before(d.ExpiresAt) {
			d.Status = DepositExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpireDeposit(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok || d.Status != DepositPending || now.Before(d.ExpiresAt) {
		return false, nil
	}
	d.Status = DepositExpired
	return true, nil
}

func (m *Memory) RejectDeposit(_ context.Context, id string) (PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return PendingDeposit{}, ErrNotFound
	}
	if d.Status != DepositPending {
		return PendingDeposit{}, ErrInvalidStatus
	}
	d.Status = DepositRejected
	return *d, nil
}
