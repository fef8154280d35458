package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Postgres implementa o ledger em banco
// Toda alteração de saldo acontece numa transação com a linha de balances travada (FOR UPDATE)
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const entryColumns = `id, user_id, kind, amount, currency, status, external_reference, counterparty_address,
	earned_debit, deposited_debit, deposit_request_id, message, created_at, updated_at`

const depositColumns = `id, user_id, amount, currency, verification_code, recipient_of_record, status,
	external_reference, created_at, expires_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var kind, status string
	var ref, depID sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Currency, &status, &ref, &e.CounterpartyAddress,
		&e.EarnedDebit, &e.DepositedDebit, &depID, &e.Message, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.ExternalReference = ref.String
	e.DepositRequestID = depID.String
	return e, nil
}

func scanDeposit(row rowScanner) (PendingDeposit, error) {
	var d PendingDeposit
	var status string
	var ref sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.Amount, &d.Currency, &d.VerificationCode, &d.RecipientOfRecord, &status,
		&ref, &d.CreatedAt, &d.ExpiresAt, &completedAt)
	if err != nil {
		return PendingDeposit{}, err
	}
	d.Status = DepositStatus(status)
	d.ExternalReference = ref.String
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// GetBalance retorna o saldo do usuário; usuário sem linha tem saldo zero
func (p *Postgres) GetBalance(ctx context.Context, userID string) (Balance, error) {
	b := Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT earned_balance, deposited_balance, total_withdrawn, updated_at
		FROM balances WHERE user_id = $1`, userID).Scan(&b.Earned, &b.Deposited, &b.TotalWithdrawn, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// WithdrawnSince soma saques pendentes e concluídos desde o instante informado
func (p *Postgres) WithdrawnSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	return withdrawnSince(ctx, p.db, userID, since)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func withdrawnSince(ctx context.Context, q queryer, userID string, since time.Time) (decimal.Decimal, error) {
	var used decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND kind = 'withdrawal' AND status IN ('pending', 'completed') AND created_at >= $2`,
		userID, since).Scan(&used)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum withdrawals: %w", err)
	}
	return used, nil
}

// lockBalance garante a linha do usuário e a trava até o fim da transação
func lockBalance(ctx context.Context, tx *sql.Tx, userID string) (Balance, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return Balance{}, fmt.Errorf("ensure balance: %w", err)
	}
	b := Balance{UserID: userID}
	err := tx.QueryRowContext(ctx, `
		SELECT earned_balance, deposited_balance, total_withdrawn, updated_at
		FROM balances WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&b.Earned, &b.Deposited, &b.TotalWithdrawn, &b.UpdatedAt)
	if err != nil {
		return Balance{}, fmt.Errorf("lock balance: %w", err)
	}
	return b, nil
}

// adjustBalance aplica deltas nos baldes e retorna o saldo resultante.
// O CHECK da tabela impede que qualquer balde fique negativo.
func adjustBalance(ctx context.Context, tx *sql.Tx, userID string, earned, deposited, withdrawn decimal.Decimal, now time.Time) (Balance, error) {
	b := Balance{UserID: userID}
	err := tx.QueryRowContext(ctx, `
		UPDATE balances
		SET earned_balance = earned_balance + $2,
		    deposited_balance = deposited_balance + $3,
		    total_withdrawn = total_withdrawn + $4,
		    updated_at = $5
		WHERE user_id = $1
		RETURNING earned_balance, deposited_balance, total_withdrawn, updated_at`,
		userID, earned, deposited, withdrawn, now).Scan(&b.Earned, &b.Deposited, &b.TotalWithdrawn, &b.UpdatedAt)
	if err != nil {
		return Balance{}, fmt.Errorf("adjust balance: %w", err)
	}
	return b, nil
}

// ReserveWithdrawal valida saldo e teto diário, grava o saque pending e debita antes da chamada ao provedor
func (p *Postgres) ReserveWithdrawal(ctx context.Context, in ReserveWithdrawalInput) (Entry, Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	defer tx.Rollback()

	bal, err := lockBalance(ctx, tx, in.UserID)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	if bal.Available().LessThan(in.Amount) {
		return Entry{}, bal, ErrInsufficientBalance
	}

	used, err := withdrawnSince(ctx, tx, in.UserID, in.DayStart)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	if err := checkDailyLimit(in.DailyLimit, used, in.Amount); err != nil {
		return Entry{}, bal, err
	}

	fromEarned, fromDeposited := splitDebit(bal.Earned, in.Amount)

	// A linha pending é a âncora de durabilidade: um crash depois daqui é detectável pela reconciliação
	entry, err := scanEntry(tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, currency, status, counterparty_address,
			earned_debit, deposited_debit, created_at, updated_at)
		VALUES ($1, $2, 'withdrawal', $3, $4, 'pending', $5, $6, $7, $8, $8)
		RETURNING `+entryColumns,
		uuid.NewString(), in.UserID, in.Amount, in.Currency, in.Address, fromEarned, fromDeposited, in.Now))
	if err != nil {
		return Entry{}, Balance{}, fmt.Errorf("insert withdrawal: %w", err)
	}

	bal, err = adjustBalance(ctx, tx, in.UserID, fromEarned.Neg(), fromDeposited.Neg(), decimal.Zero, in.Now)
	if err != nil {
		return Entry{}, Balance{}, err
	}

	if err = tx.Commit(); err != nil {
		return Entry{}, Balance{}, err
	}
	return entry, bal, nil
}

func lockEntry(ctx context.Context, tx *sql.Tx, entryID string) (Entry, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return Entry{}, ErrNotFound
	}
	e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lock entry: %w", err)
	}
	return e, nil
}

// CompleteWithdrawal confirma o saque com o id do payout do provedor
// Idempotente: repetir com a mesma referência devolve a entrada já concluída
func (p *Postgres) CompleteWithdrawal(ctx context.Context, entryID, providerTxID string, now time.Time) (Entry, Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	defer tx.Rollback()

	e, err := lockEntry(ctx, tx, entryID)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	if e.Kind != KindWithdrawal {
		return Entry{}, Balance{}, ErrInvalidStatus
	}
	if e.Status == StatusCompleted && e.ExternalReference == providerTxID {
		bal, err := p.GetBalance(ctx, e.UserID)
		return e, bal, err
	}
	if e.Status != StatusPending {
		return Entry{}, Balance{}, ErrInvalidStatus
	}

	if _, err := lockBalance(ctx, tx, e.UserID); err != nil {
		return Entry{}, Balance{}, err
	}

	e, err = scanEntry(tx.QueryRowContext(ctx, `
		UPDATE ledger_entries
		SET status = 'completed', external_reference = NULLIF($2, ''), updated_at = $3
		WHERE id = $1
		RETURNING `+entryColumns, entryID, providerTxID, now))
	if err != nil {
		if isUniqueViolation(err) {
			return Entry{}, Balance{}, ErrDuplicateReference
		}
		return Entry{}, Balance{}, fmt.Errorf("complete withdrawal: %w", err)
	}

	bal, err := adjustBalance(ctx, tx, e.UserID, decimal.Zero, decimal.Zero, e.Amount, now)
	if err != nil {
		return Entry{}, Balance{}, err
	}

	if err = tx.Commit(); err != nil {
		return Entry{}, Balance{}, err
	}
	return e, bal, nil
}

// FailWithdrawal estorna exatamente o que o pré-débito tirou de cada balde e marca a entrada failed
func (p *Postgres) FailWithdrawal(ctx context.Context, entryID, message string, now time.Time) (Entry, Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	defer tx.Rollback()

	e, err := lockEntry(ctx, tx, entryID)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	if e.Kind != KindWithdrawal {
		return Entry{}, Balance{}, ErrInvalidStatus
	}
	if e.Status == StatusFailed {
		bal, err := p.GetBalance(ctx, e.UserID)
		return e, bal, err
	}
	if e.Status != StatusPending {
		return Entry{}, Balance{}, ErrInvalidStatus
	}

	if _, err := lockBalance(ctx, tx, e.UserID); err != nil {
		return Entry{}, Balance{}, err
	}
	bal, err := adjustBalance(ctx, tx, e.UserID, e.EarnedDebit, e.DepositedDebit, decimal.Zero, now)
	if err != nil {
		return Entry{}, Balance{}, err
	}

	e, err = scanEntry(tx.QueryRowContext(ctx, `
		UPDATE ledger_entries
		SET status = 'failed', message = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+entryColumns, entryID, message, now))
	if err != nil {
		return Entry{}, Balance{}, fmt.Errorf("fail withdrawal: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Entry{}, Balance{}, err
	}
	return e, bal, nil
}

func (p *Postgres) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return Entry{}, ErrNotFound
	}
	e, err := scanEntry(p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// ListPendingWithdrawals lista saques ainda pending criados antes do corte (mais antigos primeiro)
func (p *Postgres) ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE kind = 'withdrawal' AND status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT NULLIF($2, 0)`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreatePendingDeposit grava o pedido; código de verificação repetido vira ErrDuplicateCode
func (p *Postgres) CreatePendingDeposit(ctx context.Context, d PendingDeposit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_deposits (id, user_id, amount, currency, verification_code, recipient_of_record,
			status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)`,
		d.ID, d.UserID, d.Amount, d.Currency, d.VerificationCode, d.RecipientOfRecord, d.CreatedAt, d.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func (p *Postgres) GetPendingDeposit(ctx context.Context, id string) (PendingDeposit, error) {
	if _, err := uuid.Parse(id); err != nil {
		return PendingDeposit{}, ErrNotFound
	}
	d, err := scanDeposit(p.db.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM pending_deposits WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingDeposit{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) FindDepositByCode(ctx context.Context, code string) (PendingDeposit, error) {
	d, err := scanDeposit(p.db.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM pending_deposits WHERE verification_code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingDeposit{}, ErrNotFound
	}
	return d, err
}

// ListPendingDeposits retorna pedidos pending ainda dentro da validade
func (p *Postgres) ListPendingDeposits(ctx context.Context, now time.Time, limit int) ([]PendingDeposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+depositColumns+`
		FROM pending_deposits
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY created_at
		LIMIT NULLIF($2, 0)`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PendingDeposit, 0)
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CompleteDeposit é a fronteira de idempotência dos depósitos.
// Numa única transação: grava a entrada (ON CONFLICT no índice único da referência externa),
// fecha o pedido e credita o saldo depositado. Conflito = já processado, sem efeito.
func (p *Postgres) CompleteDeposit(ctx context.Context, in CompleteDepositInput) (CompleteDepositResult, error) {
	if _, err := uuid.Parse(in.RequestID); err != nil {
		return CompleteDepositResult{}, ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return CompleteDepositResult{}, err
	}
	defer tx.Rollback()

	dep, err := scanDeposit(tx.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM pending_deposits WHERE id = $1 FOR UPDATE`, in.RequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return CompleteDepositResult{}, ErrNotFound
	}
	if err != nil {
		return CompleteDepositResult{}, fmt.Errorf("lock deposit: %w", err)
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, currency, status, external_reference,
			counterparty_address, deposit_request_id, created_at, updated_at)
		VALUES ($1, $2, 'deposit', $3, $4, 'completed', $5, $6, $7, $8, $8)
		ON CONFLICT (external_reference) WHERE kind = 'deposit' AND status = 'completed' DO NOTHING
		RETURNING `+entryColumns,
		uuid.NewString(), dep.UserID, in.Amount, dep.Currency, in.ProviderTxID, in.Counterparty, dep.ID, in.Now))
	if errors.Is(err, sql.ErrNoRows) {
		// referência externa já creditada
		return CompleteDepositResult{Credited: false, Deposit: dep}, nil
	}
	if err != nil {
		return CompleteDepositResult{}, fmt.Errorf("insert deposit entry: %w", err)
	}

	if !dep.Matchable(in.Now) {
		return CompleteDepositResult{}, ErrDepositNotPending
	}

	dep, err = scanDeposit(tx.QueryRowContext(ctx, `
		UPDATE pending_deposits
		SET status = 'completed', external_reference = $2, completed_at = $3
		WHERE id = $1
		RETURNING `+depositColumns, dep.ID, in.ProviderTxID, in.Now))
	if err != nil {
		return CompleteDepositResult{}, fmt.Errorf("close deposit: %w", err)
	}

	if _, err := lockBalance(ctx, tx, dep.UserID); err != nil {
		return CompleteDepositResult{}, err
	}
	bal, err := adjustBalance(ctx, tx, dep.UserID, decimal.Zero, in.Amount, decimal.Zero, in.Now)
	if err != nil {
		return CompleteDepositResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return CompleteDepositResult{}, err
	}
	return CompleteDepositResult{Credited: true, Entry: entry, Balance: bal, Deposit: dep}, nil
}

// ExpireDeposits é a varredura de expiração
func (p *Postgres) ExpireDeposits(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pending_deposits SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireDeposit expira um pedido na leitura; retorna false se ele não estava vencido
func (p *Postgres) ExpireDeposit(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pending_deposits SET status = 'expired'
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2`, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectDeposit é o override manual do operador
func (p *Postgres) RejectDeposit(ctx context.Context, id string) (PendingDeposit, error) {
	if _, err := uuid.Parse(id); err != nil {
		return PendingDeposit{}, ErrNotFound
	}
	d, err := scanDeposit(p.db.QueryRowContext(ctx, `
		UPDATE pending_deposits SET status = 'rejected'
		WHERE id = $1 AND status = 'pending'
		RETURNING `+depositColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetPendingDeposit(ctx, id); gerr != nil {
			return PendingDeposit{}, gerr
		}
		return PendingDeposit{}, ErrInvalidStatus
	}
	return d, err
}
