package store

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

const openSetKey = "sessions:open"

// Redis keeps session records as JSON values (the mossy-style layout:
// one value per record plus lookup keys), with the open set and the busy
// claims alongside.
type Redis struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func sessionKey(id domain.SessionID) string { return "session:" + string(id) }
func busyKey(modelID string) string         { return "model:busy:" + modelID }

func (r *Redis) Create(ctx context.Context, payerID, modelID string, rateCC int64, walletRef domain.WalletRef) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		ID:           domain.SessionID(uuid.NewString()),
		PayerID:      payerID,
		ModelID:      modelID,
		Wallet:       walletRef,
		RateCC:       rateCC,
		StartAt:      now,
		LastChargeAt: now,
	}

	claimed, err := r.client.SetNX(ctx, busyKey(modelID), string(sess.ID), 0).Result()
	if err != nil {
		return nil, fmt.Errorf("store claim model: %w", err)
	}
	if !claimed {
		return nil, ErrModelBusy
	}

	if err := r.save(ctx, sess); err != nil {
		r.client.Del(ctx, busyKey(modelID))
		return nil, err
	}
	if err := r.client.SAdd(ctx, openSetKey, string(sess.ID)).Err(); err != nil {
		return nil, fmt.Errorf("store open set: %w", err)
	}
	log.Info().Str("module", "store.redis").Str("session", string(sess.ID)).Str("model", modelID).Msg("session created")
	return sess, nil
}

func (r *Redis) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("store decode: %w", err)
	}
	return &sess, nil
}

func (r *Redis) ListOpen(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store list open: %w", err)
	}
	out := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, domain.SessionID(id))
		if err != nil {
			log.Warn().Err(err).Str("module", "store.redis").Str("session", id).Msg("open session unreadable, skipping")
			continue
		}
		if sess.Open() {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (r *Redis) Advance(ctx context.Context, id domain.SessionID, lastChargeAt time.Time, totalChargedCC int64) error {
	return r.update(ctx, id, func(sess *domain.Session) {
		sess.LastChargeAt = lastChargeAt
		sess.TotalChargedCC = totalChargedCC
	})
}

func (r *Redis) End(ctx context.Context, id domain.SessionID, at time.Time, totalChargedCC int64) error {
	var (
		modelID string
		already bool
		total   int64
	)
	err := r.update(ctx, id, func(sess *domain.Session) {
		if sess.EndAt != nil {
			already = true
			return
		}
		end := at
		sess.EndAt = &end
		if totalChargedCC > sess.TotalChargedCC {
			sess.TotalChargedCC = totalChargedCC
		}
		modelID = sess.ModelID
		total = sess.TotalChargedCC
	})
	if err != nil || already {
		return err
	}

	r.client.SRem(ctx, openSetKey, string(id))
	// Release the model only if this session holds the claim.
	if held, err := r.client.Get(ctx, busyKey(modelID)).Result(); err == nil && held == string(id) {
		r.client.Del(ctx, busyKey(modelID))
	}
	log.Info().Str("module", "store.redis").Str("session", string(id)).Int64("total_cc", total).Msg("session ended")
	return nil
}

const updateRetries = 3

// update applies mutate to the session record under WATCH, so two
// processes sharing one Redis (an HTTP end racing a scheduler advance)
// never clobber each other's write. A conflicting write restarts the
// transaction.
func (r *Redis) update(ctx context.Context, id domain.SessionID, mutate func(*domain.Session)) error {
	key := sessionKey(id)
	for i := 0; i < updateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("store get: %w", err)
			}
			var sess domain.Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return fmt.Errorf("store decode: %w", err)
			}
			mutate(&sess)
			b, err := json.Marshal(&sess)
			if err != nil {
				return fmt.Errorf("store encode: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, b, 0)
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("store update %s: %w", id, redis.TxFailedErr)
}

func (r *Redis) ModelBusy(ctx context.Context, modelID string) (bool, error) {
	_, err := r.client.Get(ctx, busyKey(modelID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store model busy: %w", err)
	}
	return true, nil
}

func (r *Redis) save(ctx context.Context, sess *domain.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store encode: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(sess.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("store save: %w", err)
	}
	return nil
}
