package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrNegativeAmount = errors.New("amount must not be negative")

type account struct {
	id       string
	currency string
}

// Memory is an in-process ledger for tests and single-node demos
type Memory struct {
	mu       sync.Mutex
	balances map[account]decimal.Decimal
}

// NewMemory creates an empty ledger
func NewMemory() *Memory {
	return &Memory{balances: make(map[account]decimal.Decimal)}
}

// Deposit adds funds outside of any trade
func (m *Memory) Deposit(id string, amount decimal.Decimal, currency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := account{id, currency}
	m.balances[k] = m.balances[k].Add(amount)
}

// Balance returns the current balance
func (m *Memory) Balance(ctx context.Context, id, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account{id, currency}], nil
}

// TryDebit deducts amount only if the balance covers it
func (m *Memory) TryDebit(ctx context.Context, id string, amount decimal.Decimal, currency string) (bool, error) {
	if amount.IsNegative() {
		return false, ErrNegativeAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := account{id, currency}
	if m.balances[k].LessThan(amount) {
		return false, nil
	}
	m.balances[k] = m.balances[k].Sub(amount)
	return true, nil
}

// Credit adds amount to the account
func (m *Memory) Credit(ctx context.Context, id string, amount decimal.Decimal, currency string) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	m.Deposit(id, amount, currency)
	return nil
}
