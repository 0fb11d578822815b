package model

import (
	"testing"
	"time"
)

func TestParseProtocol(t *testing.T) {
	got, err := ParseProtocol("  Claude ")
	if err != nil || got != ProtocolClaude {
		t.Fatalf("expected claude, got %q err=%v", got, err)
	}
	if _, err := ParseProtocol("anthropic"); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
	if _, err := ParseProtocol(""); err == nil {
		t.Fatalf("expected error for empty protocol")
	}
}

func TestProtocolsReturnsFreshSlice(t *testing.T) {
	ps := Protocols()
	ps[0] = "mutated"
	if Protocols()[0] != ProtocolClaude {
		t.Fatalf("expected Protocols to return a fresh slice")
	}
}

func TestEntityPatchEmpty(t *testing.T) {
	if !(EntityPatch{}).Empty() {
		t.Fatalf("expected zero patch to be empty")
	}
	on := true
	if (EntityPatch{Enabled: &on}).Empty() {
		t.Fatalf("expected enabled patch to be non-empty")
	}
	until := time.Unix(100, 0)
	if (EntityPatch{CooldownUntil: &until}).Empty() || (EntityPatch{ClearCooldown: true}).Empty() {
		t.Fatalf("expected cooldown patches to be non-empty")
	}
}

func TestEntitiesImplementCooldownable(t *testing.T) {
	until := time.Unix(200, 0)
	var items []Cooldownable = []Cooldownable{
		Endpoint{Enabled: true, CooldownUntil: until},
		Key{Enabled: false},
	}
	if !items[0].IsEnabled() || !items[0].CooldownExpiry().Equal(until) {
		t.Fatalf("unexpected endpoint view: %v %v", items[0].IsEnabled(), items[0].CooldownExpiry())
	}
	if items[1].IsEnabled() || !items[1].CooldownExpiry().IsZero() {
		t.Fatalf("unexpected key view: %v %v", items[1].IsEnabled(), items[1].CooldownExpiry())
	}
}
