package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webrain25/kasyrooms/internal/domain"
)

func TestCreateMarksModelBusy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess, err := m.Create(ctx, "payer-1", "model-1", 599, domain.LocalWallet("payer-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.LastChargeAt.Before(sess.StartAt) {
		t.Fatal("lastChargeAt must start at startAt")
	}

	busy, _ := m.ModelBusy(ctx, "model-1")
	if !busy {
		t.Fatal("model should be busy after create")
	}

	if _, err := m.Create(ctx, "payer-2", "model-1", 599, domain.LocalWallet("payer-2")); !errors.Is(err, ErrModelBusy) {
		t.Fatalf("want ErrModelBusy, got %v", err)
	}
}

func TestEndReleasesModelAndIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sess, _ := m.Create(ctx, "payer-1", "model-1", 599, domain.LocalWallet("payer-1"))

	at := time.Now()
	if err := m.End(ctx, sess.ID, at, 1198); err != nil {
		t.Fatalf("end: %v", err)
	}
	busy, _ := m.ModelBusy(ctx, "model-1")
	if busy {
		t.Fatal("model busy flag should be released on end")
	}

	got, _ := m.Get(ctx, sess.ID)
	if got.EndAt == nil || got.TotalChargedCC != 1198 {
		t.Fatalf("ended session not persisted: %+v", got)
	}

	// Second end must not move endAt or the total.
	if err := m.End(ctx, sess.ID, at.Add(time.Hour), 9999); err != nil {
		t.Fatalf("second end: %v", err)
	}
	again, _ := m.Get(ctx, sess.ID)
	if !again.EndAt.Equal(*got.EndAt) || again.TotalChargedCC != 1198 {
		t.Fatalf("end must be idempotent: %+v", again)
	}
}

// An HTTP end carrying a total read before the scheduler's latest charge
// must not roll the recorded total back.
func TestEndNeverLowersChargedTotal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sess, _ := m.Create(ctx, "p1", "m1", 599, domain.LocalWallet("p1"))

	mark := sess.LastChargeAt.Add(2 * time.Minute)
	if err := m.Advance(ctx, sess.ID, mark, 1198); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := m.End(ctx, sess.ID, time.Now(), 599); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, _ := m.Get(ctx, sess.ID)
	if got.TotalChargedCC != 1198 {
		t.Fatalf("totalCharged = %d after end with a stale total, want 1198", got.TotalChargedCC)
	}
	if got.EndAt == nil {
		t.Fatal("session should still be ended")
	}
}

func TestListOpenExcludesEnded(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, _ := m.Create(ctx, "p1", "m1", 599, domain.LocalWallet("p1"))
	b, _ := m.Create(ctx, "p2", "m2", 599, domain.LocalWallet("p2"))

	m.End(ctx, a.ID, time.Now(), 0)

	open, err := m.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("expected only session %q open, got %+v", b.ID, open)
	}
}

func TestAdvance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sess, _ := m.Create(ctx, "p1", "m1", 599, domain.LocalWallet("p1"))

	mark := sess.LastChargeAt.Add(2 * time.Minute)
	if err := m.Advance(ctx, sess.ID, mark, 1198); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, _ := m.Get(ctx, sess.ID)
	if !got.LastChargeAt.Equal(mark) || got.TotalChargedCC != 1198 {
		t.Fatalf("advance not persisted: %+v", got)
	}

	if err := m.Advance(ctx, "missing", mark, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sess, _ := m.Create(ctx, "p1", "m1", 599, domain.LocalWallet("p1"))

	got, _ := m.Get(ctx, sess.ID)
	got.TotalChargedCC = 999999

	fresh, _ := m.Get(ctx, sess.ID)
	if fresh.TotalChargedCC != 0 {
		t.Fatal("mutating a returned session must not affect the store")
	}
}
