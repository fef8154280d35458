package ledger

import "github.com/shopspring/decimal"

// splitDebit aplica a regra de produto: drena o saldo ganho primeiro, o restante sai do depositado
func splitDebit(earned, amount decimal.Decimal) (fromEarned, fromDeposited decimal.Decimal) {
	fromEarned = decimal.Min(earned, amount)
	if fromEarned.IsNegative() {
		fromEarned = decimal.Zero
	}
	return fromEarned, amount.Sub(fromEarned)
}

// checkDailyLimit valida o teto considerando saques pendentes e concluídos do dia
func checkDailyLimit(limit, used, amount decimal.Decimal) error {
	if !limit.IsPositive() {
		return nil
	}
	if used.Add(amount).GreaterThan(limit) {
		remaining := limit.Sub(used)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return &DailyLimitError{Limit: limit, Used: used, Remaining: remaining}
	}
	return nil
}
