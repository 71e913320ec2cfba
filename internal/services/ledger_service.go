package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realtime-wallet/internal/metrics"
	"realtime-wallet/internal/models"
	"realtime-wallet/internal/repositories/postgresrepo"
	"realtime-wallet/internal/repositories/redisrepo"

	"github.com/rs/zerolog"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownType       = errors.New("unknown transaction type")
	ErrAccountNotFound   = postgresrepo.ErrAccountNotFound
)

// Store is the transactional ledger storage the service drives.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	EnsureAccount(ctx context.Context, userID string) error
	GetTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
}

// Tx is one atomic unit of ledger work. LockAccountForUpdate must block
// a second caller until Commit or Rollback releases the account row.
type Tx interface {
	Commit() error
	Rollback() error
	LockAccountForUpdate(ctx context.Context, userID string) (*models.Account, error)
	UpdateBalance(ctx context.Context, userID string, balance int64) error
	InsertTransaction(ctx context.Context, userID, txType string, amount int64, status string) (*models.Transaction, error)
}

type LedgerService struct {
	store         Store
	cacheRepo     *redisrepo.BalanceRepository
	metrics       *metrics.Metrics
	log           *zerolog.Logger
	snapshotDepth int
}

func NewLedgerService(
	ledgerRepo *postgresrepo.LedgerRepo,
	cacheRepo *redisrepo.BalanceRepository,
	m *metrics.Metrics,
	log *zerolog.Logger,
	snapshotDepth int,
) *LedgerService {
	return newLedgerService(pgStore{repo: ledgerRepo}, cacheRepo, m, log, snapshotDepth)
}

func newLedgerService(
	store Store,
	cacheRepo *redisrepo.BalanceRepository,
	m *metrics.Metrics,
	log *zerolog.Logger,
	snapshotDepth int,
) *LedgerService {
	return &LedgerService{
		store:         store,
		cacheRepo:     cacheRepo,
		metrics:       m,
		log:           log,
		snapshotDepth: snapshotDepth,
	}
}

// pgStore adapts the concrete Postgres repository to the Store
// interface.
type pgStore struct {
	repo *postgresrepo.LedgerRepo
}

func (s pgStore) BeginTx(ctx context.Context) (Tx, error) {
	return s.repo.BeginTx(ctx)
}

func (s pgStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	return s.repo.GetAccount(ctx, userID)
}

func (s pgStore) EnsureAccount(ctx context.Context, userID string) error {
	return s.repo.EnsureAccount(ctx, userID)
}

func (s pgStore) GetTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	return s.repo.GetTransactions(ctx, userID, limit)
}

// Apply commits one balance mutation atomically: the account row is
// locked, the new balance computed and rejected if negative, and the
// balance update and the completed transaction record are written in
// the same database transaction. On any failure nothing is persisted.
func (s *LedgerService) Apply(ctx context.Context, userID, txType string, amount int64) (*models.ApplyResult, error) {
	txRepo, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	account, err := txRepo.LockAccountForUpdate(ctx, userID)
	if err != nil {
		return nil, s.fail(txRepo, userID, txType, fmt.Errorf("failed to lock account: %w", err))
	}

	var newBalance int64
	switch txType {
	case models.TypeDeposit:
		newBalance = account.Balance + amount
	case models.TypeWithdrawal:
		newBalance = account.Balance - amount
	default:
		return nil, s.fail(txRepo, userID, txType, fmt.Errorf("%w: %s", ErrUnknownType, txType))
	}

	if newBalance < 0 {
		return nil, s.fail(txRepo, userID, txType, ErrInsufficientFunds)
	}

	if err := txRepo.UpdateBalance(ctx, userID, newBalance); err != nil {
		return nil, s.fail(txRepo, userID, txType, fmt.Errorf("failed to update balance: %w", err))
	}

	transaction, err := txRepo.InsertTransaction(ctx, userID, txType, amount, models.StatusCompleted)
	if err != nil {
		return nil, s.fail(txRepo, userID, txType, fmt.Errorf("failed to insert transaction: %w", err))
	}

	if err := txRepo.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.metrics.TransactionsTotal.WithLabelValues(txType, models.StatusCompleted).Inc()
	s.metrics.UserBalance.WithLabelValues(userID).Set(float64(newBalance))
	s.log.Info().
		Str("userId", userID).
		Str("type", txType).
		Int64("amount", amount).
		Int64("newBalance", newBalance).
		Msg("balance mutation committed")

	// Refresh the cache outside the transaction.
	if err := s.cacheRepo.SetBalance(ctx, userID, newBalance); err != nil {
		s.log.Warn().Err(err).Str("userId", userID).Msg("failed to update balance cache")
	}

	return &models.ApplyResult{
		NewBalance:  newBalance,
		Transaction: *transaction,
	}, nil
}

func (s *LedgerService) fail(txRepo Tx, userID, txType string, err error) error {
	s.metrics.TransactionsTotal.WithLabelValues(txType, "failed").Inc()
	if rollbackErr := txRepo.Rollback(); rollbackErr != nil {
		return fmt.Errorf("apply error: %w, rollback error: %v", err, rollbackErr)
	}
	return err
}

// Balance reads through the Redis cache, falling back to Postgres and
// backfilling the cache asynchronously.
func (s *LedgerService) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := s.cacheRepo.GetBalance(ctx, userID)
	if err == nil {
		return balance, nil
	}

	if !errors.Is(err, redisrepo.ErrBalanceNotFound) {
		s.log.Warn().Err(err).Str("userId", userID).Msg("balance cache read failed")
	}

	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}

	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.cacheRepo.SetBalance(cacheCtx, userID, account.Balance); err != nil {
			s.log.Warn().Err(err).Str("userId", userID).Msg("failed to backfill balance cache")
		}
	}()

	return account.Balance, nil
}

func (s *LedgerService) History(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = s.snapshotDepth
	}
	return s.store.GetTransactions(ctx, userID, limit)
}

// EnsureAccount bootstraps the zero-balance account row on first contact.
func (s *LedgerService) EnsureAccount(ctx context.Context, userID string) error {
	return s.store.EnsureAccount(ctx, userID)
}

// Snapshot assembles the initial_state payload pushed on connect.
func (s *LedgerService) Snapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	transactions, err := s.History(ctx, userID, s.snapshotDepth)
	if err != nil {
		return nil, err
	}

	return &models.Snapshot{
		Balance:      balance,
		Transactions: transactions,
	}, nil
}
