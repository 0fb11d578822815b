package model

import (
	"fmt"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolClaude Protocol = "claude"
	ProtocolCodex  Protocol = "codex"
	ProtocolGemini Protocol = "gemini"
	ProtocolOpenAI Protocol = "openai"
)

// Protocols returns every supported protocol in display order.
func Protocols() []Protocol {
	return []Protocol{ProtocolClaude, ProtocolCodex, ProtocolGemini, ProtocolOpenAI}
}

func ParseProtocol(raw string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Protocols() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown protocol %q", raw)
}

// Cooldownable is an endpoint or key whose availability depends on an enabled
// flag and an optional cooldown expiry.
type Cooldownable interface {
	IsEnabled() bool
	CooldownExpiry() time.Time
}

type Endpoint struct {
	ID            string
	URL           string
	Enabled       bool
	CooldownUntil time.Time
}

func (e Endpoint) IsEnabled() bool           { return e.Enabled }
func (e Endpoint) CooldownExpiry() time.Time { return e.CooldownUntil }

type Key struct {
	ID            string
	Label         string
	Secret        string
	Enabled       bool
	CooldownUntil time.Time
}

func (k Key) IsEnabled() bool           { return k.Enabled }
func (k Key) CooldownExpiry() time.Time { return k.CooldownUntil }

type Channel struct {
	ID       string
	Name     string
	Protocol Protocol
	// Priority is the ordering hint; lower sorts earlier. Persisting an order
	// rewrites it to the channel's position.
	Priority int
	Enabled  bool
	// CostMultiplier is NaN when unset.
	CostMultiplier float64
	Endpoints      []Endpoint
	Keys           []Key
	UpdatedAt      time.Time
}

// EntityKind selects the endpoint or key list of a channel.
type EntityKind string

const (
	EntityEndpoint EntityKind = "endpoint"
	EntityKey      EntityKind = "key"
)

// EntityPatch updates the enabled flag and cooldown of one endpoint or key.
// Nil fields are left untouched.
type EntityPatch struct {
	Enabled       *bool
	CooldownUntil *time.Time
	ClearCooldown bool
}

func (p EntityPatch) Empty() bool {
	return p.Enabled == nil && p.CooldownUntil == nil && !p.ClearCooldown
}

const (
	ErrRefInvalid      = "E_REF_INVALID"
	ErrRefNotFound     = "E_REF_NOT_FOUND"
	ErrDuplicate       = "E_DUPLICATE"
	ErrOrderMismatch   = "E_ORDER_MISMATCH"
	ErrProtocolInvalid = "E_PROTOCOL_INVALID"
	ErrInternal        = "E_INTERNAL"
)
