package store_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/store"
)

func TestNormalizeFillsIDsAndRejectsIncompleteChannels(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ch, err := store.Normalize(model.Channel{
		Name:           " primary ",
		Protocol:       "Claude",
		CostMultiplier: math.Inf(1),
		Endpoints:      []model.Endpoint{{URL: "https://a.example"}},
		Keys:           []model.Key{{Secret: "sk-1"}},
	}, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ch.ID == "" || ch.Endpoints[0].ID == "" || ch.Keys[0].ID == "" {
		t.Fatalf("expected generated ids, got %+v", ch)
	}
	if ch.Name != "primary" || ch.Protocol != model.ProtocolClaude || !ch.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected normalized channel: %+v", ch)
	}
	if !math.IsNaN(ch.CostMultiplier) {
		t.Fatalf("expected infinite cost stored as unset, got %v", ch.CostMultiplier)
	}

	bad := []model.Channel{
		{Protocol: model.ProtocolClaude, Endpoints: ch.Endpoints, Keys: ch.Keys},
		{Name: "x", Protocol: "smtp", Endpoints: ch.Endpoints, Keys: ch.Keys},
		{Name: "x", Protocol: model.ProtocolClaude, Keys: ch.Keys},
		{Name: "x", Protocol: model.ProtocolClaude, Endpoints: ch.Endpoints},
		{Name: "x", Protocol: model.ProtocolClaude, Endpoints: []model.Endpoint{{ID: "e"}}, Keys: ch.Keys},
		{Name: "x", Protocol: model.ProtocolClaude, Endpoints: []model.Endpoint{{ID: "d", URL: "u"}}, Keys: []model.Key{{ID: "d", Secret: "s"}}},
	}
	for i, c := range bad {
		if _, err := store.Normalize(c, now); !errors.Is(err, store.ErrInvalid) {
			t.Fatalf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}
}

func TestCheckOrder(t *testing.T) {
	if err := store.CheckOrder([]string{"a", "b"}, []string{"b", "a"}); err != nil {
		t.Fatalf("expected permutation accepted, got %v", err)
	}
	if err := store.CheckOrder([]string{"a", "b"}, []string{"a"}); !errors.Is(err, store.ErrOrderMismatch) {
		t.Fatalf("expected ErrOrderMismatch, got %v", err)
	}
}

func TestApplyPatch(t *testing.T) {
	until := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	off := false
	ch := model.Channel{
		Endpoints: []model.Endpoint{{ID: "ep", Enabled: true}},
		Keys:      []model.Key{{ID: "k", Enabled: true, CooldownUntil: until}},
	}
	if err := store.ApplyPatch(&ch, model.EntityEndpoint, "ep", model.EntityPatch{Enabled: &off, CooldownUntil: &until}); err != nil {
		t.Fatalf("patch endpoint: %v", err)
	}
	if ch.Endpoints[0].Enabled || !ch.Endpoints[0].CooldownUntil.Equal(until) {
		t.Fatalf("unexpected endpoint after patch: %+v", ch.Endpoints[0])
	}
	if err := store.ApplyPatch(&ch, model.EntityKey, "k", model.EntityPatch{ClearCooldown: true}); err != nil {
		t.Fatalf("patch key: %v", err)
	}
	if !ch.Keys[0].CooldownUntil.IsZero() || !ch.Keys[0].Enabled {
		t.Fatalf("unexpected key after patch: %+v", ch.Keys[0])
	}
	if err := store.ApplyPatch(&ch, model.EntityKey, "missing", model.EntityPatch{ClearCooldown: true}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
