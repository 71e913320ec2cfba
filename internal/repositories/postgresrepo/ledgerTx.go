package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtime-wallet/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type TxLedgerRepo struct {
	tx *sqlx.Tx
}

func NewTxLedgerRepo(tx *sqlx.Tx) *TxLedgerRepo {
	return &TxLedgerRepo{tx: tx}
}

func (r *TxLedgerRepo) Commit() error {
	return r.tx.Commit()
}

func (r *TxLedgerRepo) Rollback() error {
	return r.tx.Rollback()
}

// LockAccountForUpdate takes a row lock on the account so no concurrent
// transaction can read a stale balance past us.
func (r *TxLedgerRepo) LockAccountForUpdate(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	query := `SELECT user_id, balance FROM accounts WHERE user_id = $1 FOR UPDATE`
	err := r.tx.GetContext(ctx, &account, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &account, nil
}

func (r *TxLedgerRepo) UpdateBalance(ctx context.Context, userID string, balance int64) error {
	query := `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE user_id = $2`
	result, err := r.tx.ExecContext(ctx, query, balance, userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// InsertTransaction writes the transaction record inside the same
// database transaction that mutates the balance.
func (r *TxLedgerRepo) InsertTransaction(ctx context.Context, userID, txType string, amount int64, status string) (*models.Transaction, error) {
	transaction := models.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO transactions (id, user_id, type, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.tx.ExecContext(ctx, query,
		transaction.ID,
		transaction.UserID,
		transaction.Type,
		transaction.Amount,
		transaction.Status,
		transaction.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return &transaction, nil
}
