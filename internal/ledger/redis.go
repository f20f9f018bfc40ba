package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/market/internal/pricing"
)

// minorUnits is the number of decimal places kept in Redis
const minorUnits = pricing.MinorUnits

// Redis keeps balances as integer minor units so debits can be checked and
// applied in one server-side script
type Redis struct {
	client      *redis.Client
	prefix      string
	debitScript *redis.Script
}

// NewRedis connects to addr and verifies the connection
func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisFromClient(rdb, prefix), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "market"
	}

	// KEYS[1]: balance key, ARGV[1]: amount in minor units
	debitScript := redis.NewScript(`
		local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
		local amount = tonumber(ARGV[1])
		if balance < amount then
			return 0
		end
		redis.call('DECRBY', KEYS[1], amount)
		return 1
	`)

	return &Redis{
		client:      rdb,
		prefix:      prefix,
		debitScript: debitScript,
	}
}

func (r *Redis) key(id, currency string) string {
	return fmt.Sprintf("%s:balance:%s:%s", r.prefix, currency, id)
}

func toMinor(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, ErrNegativeAmount
	}
	scaled := amount.Shift(minorUnits)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, minorUnits)
	}
	return scaled.IntPart(), nil
}

// TryDebit atomically deducts amount if the balance covers it
func (r *Redis) TryDebit(ctx context.Context, id string, amount decimal.Decimal, currency string) (bool, error) {
	minor, err := toMinor(amount)
	if err != nil {
		return false, err
	}
	res, err := r.debitScript.Run(ctx, r.client, []string{r.key(id, currency)}, minor).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to execute debit script: %w", err)
	}
	return res == 1, nil
}

// Credit adds amount to the account
func (r *Redis) Credit(ctx context.Context, id string, amount decimal.Decimal, currency string) error {
	minor, err := toMinor(amount)
	if err != nil {
		return err
	}
	if err := r.client.IncrBy(ctx, r.key(id, currency), minor).Err(); err != nil {
		return fmt.Errorf("failed to credit %s: %w", id, err)
	}
	return nil
}

// Balance returns the current balance
func (r *Redis) Balance(ctx context.Context, id, currency string) (decimal.Decimal, error) {
	v, err := r.client.Get(ctx, r.key(id, currency)).Int64()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return decimal.New(v, -minorUnits), nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}
