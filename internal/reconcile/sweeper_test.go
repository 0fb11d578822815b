package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/testutil"
)

func TestSweeperClearsOnlyElapsedCooldowns(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	ch := testutil.Channel("c1", model.ProtocolCodex, 0)
	ch.Endpoints[0].CooldownUntil = now.Add(-time.Minute)
	ch.Keys[0].CooldownUntil = now.Add(time.Minute)
	if err := store.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s := NewSweeper(store, time.Minute, nil)
	n, err := s.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	got, err := store.GetChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Endpoints[0].CooldownUntil.IsZero() || got.Keys[0].CooldownUntil.IsZero() {
		t.Fatalf("unexpected cooldowns: %+v %+v", got.Endpoints, got.Keys)
	}

	n, err = s.Tick(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent second sweep, got %d, %v", n, err)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store, _ := testutil.NewStore(t)
	s := NewSweeper(store, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}
