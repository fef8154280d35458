package events

import "time"

const DepositCompleted = "deposit.completed"

// Evento emitido quando um depósito é creditado (push ou pull)
type DepositSettled struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"requestId"`
	EntryID      string    `json:"entryId"`
	UserID       string    `json:"userId"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ProviderTxID string    `json:"providerTxId"`
	Path         string    `json:"path"` // "push" | "pull"
	Ts           time.Time `json:"ts"`
}
