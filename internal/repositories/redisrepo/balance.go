package redisrepo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// balanceTTL bounds staleness after a missed refresh; the write after
// each committed mutation keeps a hot account's entry current long
// before it expires.
const balanceTTL = 5 * time.Minute

var ErrBalanceNotFound = errors.New("balance not found in cache")

// BalanceRepository caches each user's current balance. The entry is
// advisory only: the accounts row wins on any disagreement.
type BalanceRepository struct {
	client *redis.Client
}

func NewBalanceRepository(client *redis.Client) *BalanceRepository {
	return &BalanceRepository{client: client}
}

func balanceKey(userID string) string {
	return "balance:" + userID
}

func (r *BalanceRepository) SetBalance(ctx context.Context, userID string, balance int64) error {
	if err := r.client.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), balanceTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

func (r *BalanceRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	balance, err := r.client.Get(ctx, balanceKey(userID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, ErrBalanceNotFound
	case err != nil:
		return 0, fmt.Errorf("failed to read cached balance: %w", err)
	}
	return balance, nil
}
