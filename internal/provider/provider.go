package provider

import (
	"context"
	"errors"
	"time"
)

// ErrIndeterminate indica que não houve resposta definitiva do provedor
// (timeout, conexão recusada, corpo ilegível). Nunca deve ser tratado como falha confirmada.
var ErrIndeterminate = errors.New("provider outcome indeterminate")

// PayoutResult é o resultado tipado de um envio; Succeeded=false é rejeição definitiva
type PayoutResult struct {
	ProviderTxID string
	Succeeded    bool
	Message      string
}

// Payout é uma movimentação do histórico recente do provedor
type Payout struct {
	ProviderTxID string
	To           string
	From         string
	Memo         string
	AmountMinor  int64
	Currency     string
	CreatedAt    time.Time
}

type Faucet struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Currency string `json:"currency"`
	Reward   string `json:"reward,omitempty"`
}

// Client é a capacidade exposta por cada provedor de pagamento; só I/O, sem regra de negócio
type Client interface {
	ValidateRecipient(ctx context.Context, address, currency string) (bool, error)
	ProviderBalance(ctx context.Context, currency string) (int64, error)
	SendPayout(ctx context.Context, address string, amountMinor int64, currency string) (PayoutResult, error)
	RecentPayouts(ctx context.Context, count int) ([]Payout, error)
	FaucetList(ctx context.Context, currency string) ([]Faucet, error)
}
