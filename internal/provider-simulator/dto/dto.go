package dto

// Envelope é o cabeçalho comum das respostas da API v1 (HTTP 200 com status no corpo)
type Envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type CheckAddressResp struct {
	Envelope
	PayoutUserHash string `json:"payout_user_hash,omitempty"`
}

type BalanceResp struct {
	Envelope
	Currency       string `json:"currency"`
	Balance        string `json:"balance"`         // unidades mínimas
	BalanceDecimal string `json:"balance_decimal"` // moeda
}

type SendResp struct {
	Envelope
	PayoutID       int64  `json:"payout_id,omitempty"`
	PayoutUserHash string `json:"payout_user_hash,omitempty"`
	Balance        string `json:"balance,omitempty"`
}

// Transfer é uma linha do histórico: payouts enviados e depósitos recebidos
type Transfer struct {
	ID       int64  `json:"id"`
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	Memo     string `json:"memo,omitempty"`
	Amount   string `json:"amount"` // unidades mínimas
	Currency string `json:"currency"`
	Date     string `json:"date"` // "2006-01-02 15:04:05" UTC
}

type PayoutsResp struct {
	Envelope
	Rewards []Transfer `json:"rewards"`
}

type Faucet struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Currency string `json:"currency"`
	Reward   string `json:"reward,omitempty"`
}

type FaucetListResp struct {
	Envelope
	Faucets []Faucet `json:"faucets"`
}

// SimulateDepositReq registra uma transferência recebida e, opcionalmente, dispara o IPN
type SimulateDepositReq struct {
	From         string `json:"from"`
	Amount       string `json:"amount"` // moeda, ex: "1.5"
	Currency     string `json:"currency"`
	Memo         string `json:"memo"`
	SkipCallback bool   `json:"skip_callback,omitempty"`
}

type SimulateDepositResp struct {
	Transfer       Transfer `json:"transfer"`
	CallbackStatus int      `json:"callback_status,omitempty"`
	CallbackError  string   `json:"callback_error,omitempty"`
}

const (
	StatusOK             = 200
	StatusUnauthorized   = 401
	StatusNoFunds        = 402
	StatusRejected       = 403
	StatusInvalidAddress = 456
)
