package db_test

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/store"
	"github.com/g960059/chanpool/internal/testutil"
)

func ids(chs []model.Channel, p model.Protocol) []string {
	out := []string{}
	for _, ch := range chs {
		if ch.Protocol == p {
			out = append(out, ch.ID)
		}
	}
	return out
}

func TestUpsertAndListChannelsRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	ch := testutil.Channel("c1", model.ProtocolClaude, 0)
	ch.CostMultiplier = 1.5
	until := time.Date(2026, 7, 1, 10, 0, 0, 123, time.UTC)
	ch.Endpoints = append(ch.Endpoints, model.Endpoint{ID: "c1-ep2", URL: "https://b.example.com", Enabled: false, CooldownUntil: until})
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	testutil.SeedChannel(t, st, ctx, "c2", model.ProtocolClaude, 1)

	got, err := st.GetChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CostMultiplier != 1.5 || len(got.Endpoints) != 2 || len(got.Keys) != 1 {
		t.Fatalf("unexpected channel: %+v", got)
	}
	if got.Endpoints[1].ID != "c1-ep2" || got.Endpoints[1].Enabled || !got.Endpoints[1].CooldownUntil.Equal(until) {
		t.Fatalf("unexpected second endpoint: %+v", got.Endpoints[1])
	}
	if got.Keys[0].Secret != "sk-test-c1-0000" {
		t.Fatalf("expected raw secret stored, got %q", got.Keys[0].Secret)
	}

	all, err := st.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(ids(all, model.ProtocolClaude), []string{"c1", "c2"}) {
		t.Fatalf("unexpected list order: %v", ids(all, model.ProtocolClaude))
	}
	if !math.IsNaN(all[1].CostMultiplier) {
		t.Fatalf("expected unset cost to read back as NaN, got %v", all[1].CostMultiplier)
	}
}

func TestUpsertReplacesEntitiesAndRejectsDuplicates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	ch := testutil.SeedChannel(t, st, ctx, "c1", model.ProtocolCodex, 0)
	ch.Endpoints = []model.Endpoint{{ID: "fresh", URL: "https://fresh.example.com", Enabled: true}}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ := st.GetChannel(ctx, "c1")
	if len(got.Endpoints) != 1 || got.Endpoints[0].ID != "fresh" {
		t.Fatalf("expected endpoints replaced, got %+v", got.Endpoints)
	}

	dup := testutil.Channel("c2", model.ProtocolCodex, 1)
	dup.Name = "c1"
	if err := st.UpsertChannel(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for repeated name, got %v", err)
	}
}

func TestPersistOrderRewritesPrioritiesIdempotently(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	for i, id := range []string{"x", "y", "z"} {
		testutil.SeedChannel(t, st, ctx, id, model.ProtocolClaude, i)
	}
	testutil.SeedChannel(t, st, ctx, "g", model.ProtocolGemini, 0)

	order := []string{"z", "x", "y"}
	for i := 0; i < 2; i++ {
		if err := st.PersistOrder(ctx, model.ProtocolClaude, order); err != nil {
			t.Fatalf("persist order (attempt %d): %v", i+1, err)
		}
	}
	all, err := st.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := ids(all, model.ProtocolClaude); !reflect.DeepEqual(got, order) {
		t.Fatalf("expected %v, got %v", order, got)
	}
	for _, ch := range all {
		if ch.Protocol == model.ProtocolClaude && order[ch.Priority] != ch.ID {
			t.Fatalf("expected priority to match position for %s, got %d", ch.ID, ch.Priority)
		}
	}

	for _, bad := range [][]string{{"z", "x"}, {"z", "x", "y", "g"}, {"z", "z", "y"}} {
		if err := st.PersistOrder(ctx, model.ProtocolClaude, bad); !errors.Is(err, store.ErrOrderMismatch) {
			t.Fatalf("expected ErrOrderMismatch for %v, got %v", bad, err)
		}
	}
}

func TestPatchEntityAndEnable(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedChannel(t, st, ctx, "c1", model.ProtocolOpenAI, 0)

	until := time.Now().Add(10 * time.Minute).UTC()
	off := false
	ch, err := st.PatchEntity(ctx, model.EntityKey, "c1", "c1-key", model.EntityPatch{Enabled: &off, CooldownUntil: &until})
	if err != nil {
		t.Fatalf("patch key: %v", err)
	}
	if ch.Keys[0].Enabled || !ch.Keys[0].CooldownUntil.Equal(until) {
		t.Fatalf("unexpected patched key: %+v", ch.Keys[0])
	}
	reloaded, _ := st.GetChannel(ctx, "c1")
	if reloaded.Keys[0].Enabled || !reloaded.Keys[0].CooldownUntil.Equal(until) {
		t.Fatalf("patch not persisted: %+v", reloaded.Keys[0])
	}

	if _, err := st.PatchEntity(ctx, model.EntityEndpoint, "c1", "nope", model.EntityPatch{ClearCooldown: true}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown endpoint, got %v", err)
	}
	if _, err := st.PatchEntity(ctx, model.EntityEndpoint, "missing", "c1-ep", model.EntityPatch{ClearCooldown: true}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown channel, got %v", err)
	}

	disabled, err := st.SetChannelEnabled(ctx, "c1", false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.Enabled {
		t.Fatalf("expected channel disabled")
	}
	if _, err := st.SetChannelEnabled(ctx, "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClearExpiredCooldowns(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ch := testutil.Channel("c1", model.ProtocolClaude, 0)
	ch.Endpoints[0].CooldownUntil = now.Add(-time.Second)
	ch.Keys[0].CooldownUntil = now.Add(time.Hour)
	ch.Keys = append(ch.Keys, model.Key{ID: "k2", Secret: "sk-2", Enabled: true, CooldownUntil: now.Add(-90 * time.Millisecond)})
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	n, err := st.ClearExpiredCooldowns(ctx, now)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared cooldowns, got %d", n)
	}
	got, _ := st.GetChannel(ctx, "c1")
	if !got.Endpoints[0].CooldownUntil.IsZero() || got.Keys[0].CooldownUntil.IsZero() || !got.Keys[1].CooldownUntil.IsZero() {
		t.Fatalf("unexpected cooldowns after clear: %+v %+v", got.Endpoints, got.Keys)
	}
}

func TestDeleteChannel(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedChannel(t, st, ctx, "c1", model.ProtocolClaude, 0)
	if err := st.DeleteChannel(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetChannel(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := st.DeleteChannel(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
