package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"economy/internal/models"
	"economy/pkg/retry"
)

// Ошибки денежного журнала
var (
	ErrInsufficientBalance = retry.Permanent(errors.New("insufficient balance"))
	ErrInvalidAmount       = retry.Permanent(errors.New("transfer amount must be positive"))
)

// LedgerRepository - двойная запись денежных переводов
//
// Баланс счёта хранится в accounts, каждый перевод пишет две строки в
// ledger_entries (дебет и кредит). Отрицательный баланс допустим только у казны.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository создает новый экземпляр репозитория
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Balance возвращает баланс счёта (0 для несуществующего)
func (r *LedgerRepository) Balance(ctx context.Context, accountID int64) (int64, error) {
	query := `SELECT balance FROM accounts WHERE account_id = $1`

	var balance int64
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Transfer переводит amount со счёта from на счёт to
//
// Оба счёта блокируются в порядке возрастания id, чтобы встречные
// переводы не приводили к deadlock.
func (r *LedgerRepository) Transfer(ctx context.Context, from, to, amount int64, reason string, actionID *int64) error {
	if amount == 0 || from == to {
		return nil
	}
	if amount < 0 {
		return ErrInvalidAmount
	}

	ensure := `
		INSERT INTO accounts (account_id, balance) VALUES ($1, 0), ($2, 0)
		ON CONFLICT (account_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, ensure, from, to); err != nil {
		return err
	}

	lock := `
		SELECT account_id, balance FROM accounts
		WHERE account_id IN ($1, $2)
		ORDER BY account_id
		FOR UPDATE`
	rows, err := r.db.QueryContext(ctx, lock, from, to)
	if err != nil {
		return err
	}
	var fromBalance int64
	for rows.Next() {
		var id, balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			rows.Close()
			return err
		}
		if id == from {
			fromBalance = balance
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if from != models.TreasuryAccountID && fromBalance < amount {
		return fmt.Errorf("%w: account %d has %d, needs %d", ErrInsufficientBalance, from, fromBalance, amount)
	}

	update := `UPDATE accounts SET balance = balance + $2 WHERE account_id = $1`
	if _, err := r.db.ExecContext(ctx, update, from, -amount); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, update, to, amount); err != nil {
		return err
	}

	entries := `
		INSERT INTO ledger_entries (account_id, counterparty_id, amount, reason, action_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6), ($2, $1, $7, $4, $5, $6)`
	_, err = r.db.ExecContext(ctx, entries, from, to, -amount, reason, actionID, time.Now(), amount)
	return err
}
