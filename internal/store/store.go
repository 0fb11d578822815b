// Package store defines the channel persistence contract shared by the sqlite
// and etcd backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/ordering"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrOrderMismatch = errors.New("order mismatch")
	ErrInvalid       = errors.New("invalid channel")
)

type Store interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	// UpsertChannel creates the channel or replaces it with its endpoints
	// and keys.
	UpsertChannel(ctx context.Context, ch model.Channel) error
	DeleteChannel(ctx context.Context, id string) error
	SetChannelEnabled(ctx context.Context, id string, enabled bool) (model.Channel, error)
	PatchEntity(ctx context.Context, kind model.EntityKind, channelID, entityID string, patch model.EntityPatch) (model.Channel, error)
	// PersistOrder sets each channel's priority to its index in ids. ids must
	// be a permutation of the protocol's channels. Repeating a call is
	// harmless.
	PersistOrder(ctx context.Context, protocol model.Protocol, ids []string) error
	// ClearExpiredCooldowns drops cooldown timestamps at or before now and
	// returns how many were cleared.
	ClearExpiredCooldowns(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Normalize validates ch and fills generated ids and timestamps.
func Normalize(ch model.Channel, now time.Time) (model.Channel, error) {
	ch.ID = strings.TrimSpace(ch.ID)
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.Name = strings.TrimSpace(ch.Name)
	if ch.Name == "" {
		return ch, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	p, err := model.ParseProtocol(string(ch.Protocol))
	if err != nil {
		return ch, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ch.Protocol = p
	if len(ch.Endpoints) == 0 {
		return ch, fmt.Errorf("%w: at least one endpoint is required", ErrInvalid)
	}
	if len(ch.Keys) == 0 {
		return ch, fmt.Errorf("%w: at least one key is required", ErrInvalid)
	}
	seen := map[string]bool{}
	ch.Endpoints = append([]model.Endpoint(nil), ch.Endpoints...)
	for i := range ch.Endpoints {
		ep := &ch.Endpoints[i]
		ep.ID = strings.TrimSpace(ep.ID)
		if ep.ID == "" {
			ep.ID = uuid.NewString()
		}
		ep.URL = strings.TrimSpace(ep.URL)
		if ep.URL == "" {
			return ch, fmt.Errorf("%w: endpoint %d has no url", ErrInvalid, i)
		}
		if seen[ep.ID] {
			return ch, fmt.Errorf("%w: endpoint id %q repeated", ErrInvalid, ep.ID)
		}
		seen[ep.ID] = true
	}
	ch.Keys = append([]model.Key(nil), ch.Keys...)
	for i := range ch.Keys {
		k := &ch.Keys[i]
		k.ID = strings.TrimSpace(k.ID)
		if k.ID == "" {
			k.ID = uuid.NewString()
		}
		if strings.TrimSpace(k.Secret) == "" {
			return ch, fmt.Errorf("%w: key %d has no secret", ErrInvalid, i)
		}
		if seen[k.ID] {
			return ch, fmt.Errorf("%w: key id %q repeated", ErrInvalid, k.ID)
		}
		seen[k.ID] = true
	}
	if math.IsInf(ch.CostMultiplier, 0) {
		ch.CostMultiplier = math.NaN()
	}
	if ch.UpdatedAt.IsZero() {
		ch.UpdatedAt = now.UTC()
	}
	return ch, nil
}

// CheckOrder returns ErrOrderMismatch unless ids is a permutation of current.
func CheckOrder(current, ids []string) error {
	if !ordering.IsPermutation(current, ids) {
		return fmt.Errorf("%w: expected a permutation of %d channel ids, got %d ids", ErrOrderMismatch, len(current), len(ids))
	}
	return nil
}

// ApplyPatch applies patch to the named endpoint or key of ch in place.
func ApplyPatch(ch *model.Channel, kind model.EntityKind, entityID string, patch model.EntityPatch) error {
	apply := func(enabled *bool, until *time.Time) {
		if patch.Enabled != nil {
			*enabled = *patch.Enabled
		}
		if patch.ClearCooldown {
			*until = time.Time{}
		}
		if patch.CooldownUntil != nil {
			*until = patch.CooldownUntil.UTC()
		}
	}
	switch kind {
	case model.EntityEndpoint:
		for i := range ch.Endpoints {
			if ch.Endpoints[i].ID == entityID {
				apply(&ch.Endpoints[i].Enabled, &ch.Endpoints[i].CooldownUntil)
				return nil
			}
		}
	case model.EntityKey:
		for i := range ch.Keys {
			if ch.Keys[i].ID == entityID {
				apply(&ch.Keys[i].Enabled, &ch.Keys[i].CooldownUntil)
				return nil
			}
		}
	default:
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalid, kind)
	}
	return fmt.Errorf("%s %q: %w", kind, entityID, ErrNotFound)
}
