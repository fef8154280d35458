package dto

import (
	"time"

	"github.com/radieske/coin-settlement/internal/provider"
)

// Todas as respostas espelham o formato do provedor: {status, message, ...}.
// O status HTTP é sempre igual a status.

type ErrorResponse struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // segundos, só em 429
	Remaining  string `json:"remaining,omitempty"`   // saldo diário restante, só em 403
}

type BalanceResponse struct {
	Status           int    `json:"status"`
	Message          string `json:"message"`
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	EarnedBalance    string `json:"earned_balance"`
	DepositedBalance string `json:"deposited_balance"`
	TotalWithdrawn   string `json:"total_withdrawn"`
}

type CheckAddressResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Valid   bool   `json:"valid"`
}

type SendResponse struct {
	Status           int    `json:"status"`
	Message          string `json:"message"`
	State            string `json:"state"` // completed | failed | processing
	EntryID          string `json:"entry_id,omitempty"`
	PayoutID         string `json:"payout_id,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
	Balance          string `json:"balance"`
	EarnedBalance    string `json:"earned_balance"`
	DepositedBalance string `json:"deposited_balance"`
}

type FaucetListResponse struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Faucets []provider.Faucet `json:"faucets"`
}

type DepositResponse struct {
	Status            int       `json:"status"`
	Message           string    `json:"message"`
	ID                string    `json:"id"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	VerificationCode  string    `json:"verification_code"`
	Recipient         string    `json:"recipient,omitempty"`
	State             string    `json:"state"`
	ExternalReference string    `json:"external_reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type CallbackResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Outcome string `json:"outcome"`
}

type PollResponse struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	Pending    int    `json:"pending"`
	Completed  int    `json:"completed"`
	Duplicates int    `json:"duplicates"`
	Mismatched int    `json:"mismatched"`
	Unmatched  int    `json:"unmatched"`
	Expired    int64  `json:"expired"`
}

type ReconcileResponse struct {
	Status       int      `json:"status"`
	Message      string   `json:"message"`
	Scanned      int      `json:"scanned"`
	Completed    int      `json:"completed"`
	StillPending int      `json:"still_pending"`
	Escalated    int      `json:"escalated"`
	EscalatedIDs []string `json:"escalated_ids,omitempty"`
}

type EntryResponse struct {
	Status           int    `json:"status"`
	Message          string `json:"message"`
	EntryID          string `json:"entry_id"`
	State            string `json:"state"`
	PayoutID         string `json:"payout_id,omitempty"`
	Balance          string `json:"balance"`
	EarnedBalance    string `json:"earned_balance"`
	DepositedBalance string `json:"deposited_balance"`
}

type ProviderBalanceResponse struct {
	Status   int    `json:"status"`
	Message  string `json:"message"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}
