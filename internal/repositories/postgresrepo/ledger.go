package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"realtime-wallet/internal/models"

	"github.com/jmoiron/sqlx"
)

var (
	ErrAccountNotFound = errors.New("account not found")
)

type LedgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepo(db *sqlx.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// GetAccount get an account by user ID
func (r *LedgerRepo) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account

	query := `SELECT user_id, balance, created_at, updated_at FROM accounts WHERE user_id = $1`

	err := r.db.GetContext(ctx, &account, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account from postgres: %w", err)
	}

	return &account, nil
}

// EnsureAccount creates the account row with a zero balance if it does not exist
func (r *LedgerRepo) EnsureAccount(ctx context.Context, userID string) error {
	query := `INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}

	return nil
}

// GetTransactions get the most recent transactions for a user, newest first
func (r *LedgerRepo) GetTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	query := `
		SELECT id, user_id, type, amount, status, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	transactions := make([]models.Transaction, 0, limit)
	err := r.db.SelectContext(ctx, &transactions, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions from postgres: %w", err)
	}

	return transactions, nil
}

// BeginTx starts a transaction and returns a transactional repository
func (r *LedgerRepo) BeginTx(ctx context.Context) (*TxLedgerRepo, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return NewTxLedgerRepo(tx), nil
}
