package topics

const (
	// Saques
	Withdrawals = "settlement_withdrawals"

	// Depósitos
	Deposits = "settlement_deposits"
)
