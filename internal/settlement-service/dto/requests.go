package dto

import "github.com/shopspring/decimal"

// ActionRequest é o corpo de POST /api/wallet/action
type ActionRequest struct {
	Action   string          `json:"action"` // getBalance | checkAddress | send | getFaucetList
	Address  string          `json:"address,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type CreateDepositRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// CallbackRequest é a notificação IPN do provedor (form ou JSON)
type CallbackRequest struct {
	TransactionID string          `json:"transaction_id"`
	PayoutID      string          `json:"payout_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Custom        string          `json:"custom"`
	Memo          string          `json:"memo"`
	From          string          `json:"from"`
	Token         string          `json:"token"`
	Action        string          `json:"action"`
}

type ResolveWithdrawalRequest struct {
	Action       string `json:"action"` // complete | refund
	ProviderTxID string `json:"provider_tx_id,omitempty"`
	Note         string `json:"note,omitempty"`
}
