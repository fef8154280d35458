package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindWithdrawal Kind = "withdrawal"
	KindDeposit    Kind = "deposit"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositRejected  DepositStatus = "rejected"
	DepositExpired   DepositStatus = "expired"
)

// Balance é o saldo de um usuário. Nenhum dos baldes pode ficar negativo.
type Balance struct {
	UserID         string
	Earned         decimal.Decimal
	Deposited      decimal.Decimal
	TotalWithdrawn decimal.Decimal
	UpdatedAt      time.Time
}

// Available é o total sacável (ganho + depositado)
func (b Balance) Available() decimal.Decimal {
	return b.Earned.Add(b.Deposited)
}

// Entry é uma linha do log de movimentações; imutável depois de completed/failed.
// EarnedDebit/DepositedDebit guardam o quanto um saque tirou de cada balde, para o estorno.
type Entry struct {
	ID                  string
	UserID              string
	Kind                Kind
	Amount              decimal.Decimal
	Currency            string
	Status              Status
	ExternalReference   string
	CounterpartyAddress string
	EarnedDebit         decimal.Decimal
	DepositedDebit      decimal.Decimal
	DepositRequestID    string
	Message             string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PendingDeposit é um pedido de depósito aguardando a transação do provedor com o código de verificação
type PendingDeposit struct {
	ID                string
	UserID            string
	Amount            decimal.Decimal
	Currency          string
	VerificationCode  string
	RecipientOfRecord string
	Status            DepositStatus
	ExternalReference string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	CompletedAt       *time.Time
}

// Matchable indica se o pedido ainda pode ser casado por callback ou polling
func (p PendingDeposit) Matchable(now time.Time) bool {
	return p.Status == DepositPending && now.Before(p.ExpiresAt)
}

// ReserveWithdrawalInput carrega tudo o que a pré-débito precisa validar dentro da transação
type ReserveWithdrawalInput struct {
	UserID     string
	Amount     decimal.Decimal
	Currency   string
	Address    string
	DailyLimit decimal.Decimal // zero desativa o teto diário
	DayStart   time.Time
	Now        time.Time
}

type CompleteDepositInput struct {
	RequestID    string
	ProviderTxID string
	Amount       decimal.Decimal
	Counterparty string
	Now          time.Time
}

// CompleteDepositResult: Credited=false significa que a referência externa já tinha sido processada
type CompleteDepositResult struct {
	Credited bool
	Entry    Entry
	Balance  Balance
	Deposit  PendingDeposit
}
