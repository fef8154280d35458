package settlement

import (
	"errors"
	"fmt"
	"time"
)

// ErrWithdrawalsDisabled: serviço montado sem rate limiter (ex.: worker de reconciliação)
var ErrWithdrawalsDisabled = errors.New("withdrawals disabled: no rate limiter configured")

// InputError é erro de entrada do cliente; nenhuma mutação acontece
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func inputErr(field, msg string) error { return &InputError{Field: field, Message: msg} }

// RateLimitError carrega o tempo até a próxima janela
type RateLimitError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many withdrawal requests, retry in %ds", int(e.RetryAfter.Round(time.Second).Seconds()))
}
