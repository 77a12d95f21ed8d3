package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
)

// Memory is the in-process ledger. Every wallet key gets its own mutex,
// so a tip and a scheduled charge against the same wallet are serialized
// while distinct wallets proceed in parallel.
type Memory struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	balances map[string]int64
	txs      map[string][]domain.Transaction
	refs     map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		locks:    make(map[string]*sync.Mutex),
		balances: make(map[string]int64),
		txs:      make(map[string][]domain.Transaction),
		refs:     make(map[string]struct{}),
	}
}

func (m *Memory) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Memory) Balance(_ context.Context, ref domain.WalletRef) (int64, error) {
	key := ref.String()
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return m.balances[key], nil
}

func (m *Memory) Deposit(_ context.Context, ref domain.WalletRef, amountCC int64, externalRef string) (int64, error) {
	key := ref.String()
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if externalRef != "" {
		m.mu.Lock()
		if _, dup := m.refs[externalRef]; dup {
			m.mu.Unlock()
			return m.balances[key], ErrDuplicateRef
		}
		m.refs[externalRef] = struct{}{}
		m.mu.Unlock()
	}

	m.balances[key] += amountCC
	m.record(key, ref, domain.TxDeposit, amountCC, externalRef)
	return m.balances[key], nil
}

func (m *Memory) Withdraw(_ context.Context, ref domain.WalletRef, amountCC int64, typ domain.TxType, source string) (int64, error) {
	key := ref.String()
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if m.balances[key] < amountCC {
		return m.balances[key], ErrInsufficientFunds
	}
	m.balances[key] -= amountCC
	m.record(key, ref, typ, amountCC, source)
	return m.balances[key], nil
}

func (m *Memory) Transactions(_ context.Context, ref domain.WalletRef) ([]domain.Transaction, error) {
	key := ref.String()
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()
	out := make([]domain.Transaction, len(m.txs[key]))
	copy(out, m.txs[key])
	return out, nil
}

// record appends under the wallet's own lock.
func (m *Memory) record(key string, ref domain.WalletRef, typ domain.TxType, amountCC int64, source string) {
	tx := domain.Transaction{
		ID:        uuid.NewString(),
		Wallet:    ref,
		Type:      typ,
		AmountCC:  amountCC,
		Source:    source,
		CreatedAt: time.Now(),
	}
	m.txs[key] = append(m.txs[key], tx)
	log.Debug().Str("module", "wallet.memory").Str("wallet", key).Str("type", string(typ)).Int64("amount_cc", amountCC).Msg("transaction recorded")
}
