// Package wallet holds the ledger contract the billing scheduler and the
// REST surface debit and credit against. Amounts are integer cents.
package wallet

import (
	"context"
	"errors"

	"github.com/webrain25/kasyrooms/internal/domain"
)

var (
	// ErrInsufficientFunds is the one fatal financial fault: a session
	// hitting it is ended, not retried.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateRef rejects a deposit whose external transaction
	// reference was already recorded.
	ErrDuplicateRef = errors.New("duplicate transaction reference")
)

// Ledger serializes movements per wallet key so concurrent debits cannot
// both pass a stale balance check.
type Ledger interface {
	Balance(ctx context.Context, ref domain.WalletRef) (int64, error)
	// Deposit credits the wallet. A non-empty externalRef is an
	// idempotency key; a duplicate returns ErrDuplicateRef.
	Deposit(ctx context.Context, ref domain.WalletRef, amountCC int64, externalRef string) (int64, error)
	// Withdraw debits the wallet, recording a transaction of the given
	// type, or returns ErrInsufficientFunds leaving the balance as is.
	Withdraw(ctx context.Context, ref domain.WalletRef, amountCC int64, typ domain.TxType, source string) (int64, error)
	Transactions(ctx context.Context, ref domain.WalletRef) ([]domain.Transaction, error)
}
