package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
)

type Memory struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	busy     map[string]domain.SessionID
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[domain.SessionID]*domain.Session),
		busy:     make(map[string]domain.SessionID),
	}
}

func (m *Memory) Create(_ context.Context, payerID, modelID string, rateCC int64, walletRef domain.WalletRef) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.busy[modelID]; taken {
		return nil, ErrModelBusy
	}

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
	m.sessions[sess.ID] = sess
	m.busy[modelID] = sess.ID
	log.Info().Str("module", "store.memory").Str("session", string(sess.ID)).Str("payer", payerID).Str("model", modelID).Msg("session created")
	return copySession(sess), nil
}

func (m *Memory) Get(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (m *Memory) ListOpen(_ context.Context) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Open() {
			out = append(out, copySession(sess))
		}
	}
	return out, nil
}

func (m *Memory) Advance(_ context.Context, id domain.SessionID, lastChargeAt time.Time, totalChargedCC int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastChargeAt = lastChargeAt
	sess.TotalChargedCC = totalChargedCC
	return nil
}

func (m *Memory) End(_ context.Context, id domain.SessionID, at time.Time, totalChargedCC int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.EndAt != nil {
		return nil
	}
	end := at
	sess.EndAt = &end
	if totalChargedCC > sess.TotalChargedCC {
		sess.TotalChargedCC = totalChargedCC
	}
	if m.busy[sess.ModelID] == id {
		delete(m.busy, sess.ModelID)
	}
	log.Info().Str("module", "store.memory").Str("session", string(id)).Int64("total_cc", totalChargedCC).Msg("session ended")
	return nil
}

func (m *Memory) ModelBusy(_ context.Context, modelID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, taken := m.busy[modelID]
	return taken, nil
}

func copySession(s *domain.Session) *domain.Session {
	out := *s
	if s.EndAt != nil {
		end := *s.EndAt
		out.EndAt = &end
	}
	return &out
}
