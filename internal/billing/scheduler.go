// Package billing meters open sessions: one global ticker scans every
// open session and debits the payer's wallet once per whole elapsed
// minute, ending the session the moment funds run short.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
	"github.com/webrain25/kasyrooms/internal/store"
	"github.com/webrain25/kasyrooms/internal/wallet"
)

// Scheduler drives the per-minute charging. One timer covers all
// sessions, so load stays bounded no matter how many calls are live; a
// session started right after a tick waits up to one interval for its
// first possible charge.
type Scheduler struct {
	Store    store.Store
	Ledger   wallet.Ledger
	Interval time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewScheduler(st store.Store, ledger wallet.Ledger, interval time.Duration) *Scheduler {
	return &Scheduler{
		Store:    st,
		Ledger:   ledger,
		Interval: interval,
		Now:      time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "billing").Dur("interval", s.Interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "billing").Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans every open session once. A failure in one session never
// stops the scan.
func (s *Scheduler) Tick(ctx context.Context) {
	sessions, err := s.Store.ListOpen(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "billing").Msg("list open sessions")
		return
	}
	now := s.Now()
	for _, sess := range sessions {
		if !sess.Open() {
			continue
		}
		s.charge(ctx, sess, now)
	}
}

// charge debits one session for every whole minute elapsed since its last
// charge, sequentially. Charging minute by minute instead of in bulk
// bounds the overcharge after a stall to a single rate-unit and leaves one
// transaction per minute in the ledger. The watermark advances by exactly
// the minutes actually charged.
func (s *Scheduler) charge(ctx context.Context, sess *domain.Session, now time.Time) {
	minutes := int64(now.Sub(sess.LastChargeAt) / time.Minute)
	if minutes <= 0 {
		return
	}

	var (
		charged int64
		total   = sess.TotalChargedCC
		ended   bool
	)

	for i := int64(0); i < minutes; i++ {
		balance, err := s.Ledger.Balance(ctx, sess.Wallet)
		if err != nil {
			// Transient ledger fault: leave the session open, retry
			// the remaining minutes on the next tick.
			log.Warn().Err(err).Str("module", "billing").Str("session", string(sess.ID)).Msg("balance check failed, will retry")
			break
		}
		if balance < sess.RateCC {
			ended = true
			break
		}

		_, err = s.Ledger.Withdraw(ctx, sess.Wallet, sess.RateCC, domain.TxCharge, "session:"+string(sess.ID))
		if err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				// Lost the balance race to a concurrent withdrawal.
				ended = true
				break
			}
			log.Warn().Err(err).Str("module", "billing").Str("session", string(sess.ID)).Msg("withdraw failed, will retry")
			break
		}
		charged++
		total += sess.RateCC
	}

	if charged > 0 {
		lastChargeAt := sess.LastChargeAt.Add(time.Duration(charged) * time.Minute)
		if err := s.Store.Advance(ctx, sess.ID, lastChargeAt, total); err != nil {
			log.Error().Err(err).Str("module", "billing").Str("session", string(sess.ID)).Msg("advance watermark")
		}
		log.Info().Str("module", "billing").Str("session", string(sess.ID)).Int64("minutes", charged).Int64("total_cc", total).Msg("charged")
	}

	if ended {
		if err := s.Store.End(ctx, sess.ID, now, total); err != nil {
			log.Error().Err(err).Str("module", "billing").Str("session", string(sess.ID)).Msg("end session")
			return
		}
		log.Info().Str("module", "billing").Str("session", string(sess.ID)).Int64("total_cc", total).Msg("session ended: insufficient funds")
	}
}
