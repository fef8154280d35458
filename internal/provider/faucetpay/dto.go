package faucetpay

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/radieske/coin-settlement/internal/provider"
)

type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type balanceResponse struct {
	envelope
	Currency string  `json:"currency"`
	Balance  flexInt `json:"balance"`
}

type sendResponse struct {
	envelope
	PayoutID       flexString `json:"payout_id"`
	PayoutUserHash string     `json:"payout_user_hash,omitempty"`
	Balance        flexInt    `json:"balance"`
}

type payoutRecord struct {
	ID       flexString `json:"id"`
	To       string     `json:"to"`
	From     string     `json:"from,omitempty"`
	Memo     string     `json:"memo,omitempty"`
	Amount   flexInt    `json:"amount"`
	Currency string     `json:"currency,omitempty"`
	Date     string     `json:"date"`
}

type payoutsResponse struct {
	envelope
	Rewards []payoutRecord `json:"rewards"`
}

type faucetListResponse struct {
	envelope
	Faucets []provider.Faucet `json:"faucets"`
}

// flexInt aceita inteiro como número ou string ("4245" / 4245)
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

// flexString aceita id numérico ou string
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
