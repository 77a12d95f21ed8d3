// Package store keeps session lifecycle records and the per-model busy
// flag the billing scheduler releases when it ends a session.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/webrain25/kasyrooms/internal/domain"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrModelBusy = errors.New("model is busy")
)

type Store interface {
	// Create opens a session and marks the model busy, or returns
	// ErrModelBusy while another session holds the model.
	Create(ctx context.Context, payerID, modelID string, rateCC int64, walletRef domain.WalletRef) (*domain.Session, error)
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	ListOpen(ctx context.Context) ([]*domain.Session, error)
	// Advance moves the charge watermark forward. lastChargeAt never goes
	// past the last minute actually charged.
	Advance(ctx context.Context, id domain.SessionID, lastChargeAt time.Time, totalChargedCC int64) error
	// End closes the session and releases the model's busy flag. Ending an
	// already-ended session is a no-op. totalChargedCC only raises the
	// recorded total; a stale caller value never lowers it, so the total
	// stays monotonic even when a charge lands concurrently.
	End(ctx context.Context, id domain.SessionID, at time.Time, totalChargedCC int64) error
	ModelBusy(ctx context.Context, modelID string) (bool, error)
}
