package events

import "time"

// Tipos de evento publicados no tópico de saques
const (
	WithdrawalCompleted  = "withdrawal.completed"
	WithdrawalFailed     = "withdrawal.failed"
	WithdrawalProcessing = "withdrawal.processing"
	WithdrawalEscalated  = "withdrawal.escalated"
)

// Evento emitido pelo settlement após cada transição relevante de um saque.
// Valores monetários trafegam como string decimal para não perder precisão.
type WithdrawalSettled struct {
	Type         string    `json:"type"`
	EntryID      string    `json:"entryId"`
	UserID       string    `json:"userId"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	Address      string    `json:"address"`
	Status       string    `json:"status"` // "pending" | "completed" | "failed"
	ProviderTxID string    `json:"providerTxId,omitempty"`
	Message      string    `json:"message,omitempty"`
	Ts           time.Time `json:"ts"`
}
