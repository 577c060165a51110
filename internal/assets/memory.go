package assets

import (
	"context"
	"sync"

	"carbonledger/pkg/checked"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// MemoryLedger is an in-process asset service used by tests and no-platform
// deployments. Balances live per asset per account; a transfer either moves
// the full amount or changes nothing.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[Asset]map[id.AccountID]uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[Asset]map[id.AccountID]uint64)}
}

func (l *MemoryLedger) Transfer(_ context.Context, asset Asset, from, to id.AccountID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	accounts := l.balances[asset]
	if accounts[from] < amount {
		return dErrors.Newf(dErrors.CodeTransferFailed,
			"insufficient %s balance: have %d, need %d", asset, accounts[from], amount)
	}
	newTo, err := checked.Add(accounts[to], amount)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransferFailed, "recipient balance overflow")
	}
	accounts[from] -= amount
	accounts[to] = newTo
	return nil
}

func (l *MemoryLedger) Mint(_ context.Context, asset Asset, to id.AccountID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	accounts := l.balances[asset]
	if accounts == nil {
		accounts = make(map[id.AccountID]uint64)
		l.balances[asset] = accounts
	}
	newTo, err := checked.Add(accounts[to], amount)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransferFailed, "recipient balance overflow")
	}
	accounts[to] = newTo
	return nil
}

func (l *MemoryLedger) Burn(_ context.Context, asset Asset, from id.AccountID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	accounts := l.balances[asset]
	if accounts[from] < amount {
		return dErrors.Newf(dErrors.CodeTransferFailed,
			"insufficient %s balance to burn: have %d, need %d", asset, accounts[from], amount)
	}
	accounts[from] -= amount
	return nil
}

// Balance reads an account's balance; test helper.
func (l *MemoryLedger) Balance(asset Asset, account id.AccountID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[asset][account]
}
