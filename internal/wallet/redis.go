package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
)

const refTTL = 30 * 24 * time.Hour

// withdrawScript does the balance check and the decrement in one atomic
// step, the single-writer discipline the scheduler depends on. Returns -1
// when funds are short.
var withdrawScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
if bal < amt then
  return -1
end
return redis.call('DECRBY', KEYS[1], amt)
`)

// Redis is the ledger backed by a shared Redis instance, for deployments
// where several server processes bill against the same balances.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func balanceKey(ref domain.WalletRef) string { return "wallet:balance:" + ref.String() }
func txKey(ref domain.WalletRef) string      { return "wallet:tx:" + ref.String() }
func refKey(externalRef string) string       { return "wallet:ref:" + externalRef }

func (r *Redis) Balance(ctx context.Context, ref domain.WalletRef) (int64, error) {
	bal, err := r.client.Get(ctx, balanceKey(ref)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	return bal, nil
}

func (r *Redis) Deposit(ctx context.Context, ref domain.WalletRef, amountCC int64, externalRef string) (int64, error) {
	if externalRef != "" {
		ok, err := r.client.SetNX(ctx, refKey(externalRef), 1, refTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("wallet ref guard: %w", err)
		}
		if !ok {
			bal, _ := r.Balance(ctx, ref)
			return bal, ErrDuplicateRef
		}
	}

	bal, err := r.client.IncrBy(ctx, balanceKey(ref), amountCC).Result()
	if err != nil {
		return 0, fmt.Errorf("wallet deposit: %w", err)
	}
	r.record(ctx, ref, domain.TxDeposit, amountCC, externalRef)
	return bal, nil
}

func (r *Redis) Withdraw(ctx context.Context, ref domain.WalletRef, amountCC int64, typ domain.TxType, source string) (int64, error) {
	res, err := withdrawScript.Run(ctx, r.client, []string{balanceKey(ref)}, amountCC).Int64()
	if err != nil {
		return 0, fmt.Errorf("wallet withdraw: %w", err)
	}
	if res < 0 {
		bal, _ := r.Balance(ctx, ref)
		return bal, ErrInsufficientFunds
	}
	r.record(ctx, ref, typ, amountCC, source)
	return res, nil
}

func (r *Redis) Transactions(ctx context.Context, ref domain.WalletRef) ([]domain.Transaction, error) {
	raw, err := r.client.LRange(ctx, txKey(ref), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("wallet transactions: %w", err)
	}
	out := make([]domain.Transaction, 0, len(raw))
	for _, item := range raw {
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			log.Warn().Err(err).Str("module", "wallet.redis").Msg("skipping unreadable transaction")
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// record is best effort: losing an audit row must not fail the movement
// that already happened.
func (r *Redis) record(ctx context.Context, ref domain.WalletRef, typ domain.TxType, amountCC int64, source string) {
	tx := domain.Transaction{
		ID:        uuid.NewString(),
		Wallet:    ref,
		Type:      typ,
		AmountCC:  amountCC,
		Source:    source,
		CreatedAt: time.Now(),
	}
	b, err := json.Marshal(tx)
	if err != nil {
		log.Error().Err(err).Str("module", "wallet.redis").Msg("marshal transaction")
		return
	}
	if err := r.client.RPush(ctx, txKey(ref), b).Err(); err != nil {
		log.Error().Err(err).Str("module", "wallet.redis").Str("wallet", ref.String()).Msg("record transaction")
	}
}
