package domain

import "time"

// WalletMode selects which ledger a payer's balance lives in: a local
// per-account balance or a shared external balance keyed by an external
// account id. A payer is in exactly one mode.
type WalletMode string

const (
	WalletLocal  WalletMode = "local"
	WalletShared WalletMode = "shared"
)

// WalletRef is a resolved wallet identity. Resolve it once per payer and
// pass it around instead of re-deciding the mode at every call site.
type WalletRef struct {
	Mode WalletMode `json:"mode"`
	Key  string     `json:"key"`
}

func LocalWallet(userID string) WalletRef {
	return WalletRef{Mode: WalletLocal, Key: userID}
}

func SharedWallet(externalID string) WalletRef {
	return WalletRef{Mode: WalletShared, Key: externalID}
}

func (r WalletRef) String() string {
	return string(r.Mode) + ":" + r.Key
}

type TxType string

const (
	TxCharge     TxType = "CHARGE"
	TxDeposit    TxType = "DEPOSIT"
	TxWithdrawal TxType = "WITHDRAWAL"
)

// Transaction is one ledger movement. Amounts are integer cents.
type Transaction struct {
	ID        string    `json:"id"`
	Wallet    WalletRef `json:"wallet"`
	Type      TxType    `json:"type"`
	AmountCC  int64     `json:"amountCc"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
