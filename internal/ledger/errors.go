package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrDuplicateReference  = errors.New("external reference already settled")
	ErrDuplicateCode       = errors.New("verification code already in use")
	ErrDepositNotPending   = errors.New("deposit request is not pending")
)

// DailyLimitError é devolvido quando o saque ultrapassaria o teto diário
type DailyLimitError struct {
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Remaining decimal.Decimal
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily withdrawal limit exceeded: remaining allowance %s", e.Remaining.StringFixed(4))
}
