package api

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/g960059/chanpool/internal/availability"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/security"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type EndpointResponse struct {
	EndpointID    string  `json:"endpoint_id"`
	URL           string  `json:"url"`
	Enabled       bool    `json:"enabled"`
	CooldownUntil *string `json:"cooldown_until,omitempty"`
	Available     bool    `json:"available"`
}

// KeyResponse never carries the raw secret.
type KeyResponse struct {
	KeyID         string  `json:"key_id"`
	Label         string  `json:"label,omitempty"`
	SecretMasked  string  `json:"secret_masked"`
	Enabled       bool    `json:"enabled"`
	CooldownUntil *string `json:"cooldown_until,omitempty"`
	Available     bool    `json:"available"`
}

type ChannelResponse struct {
	ChannelID          string             `json:"channel_id"`
	ChannelName        string             `json:"channel_name"`
	Protocol           string             `json:"protocol"`
	Priority           int                `json:"priority"`
	Enabled            bool               `json:"enabled"`
	CostMultiplier     *float64           `json:"cost_multiplier"`
	Endpoints          []EndpointResponse `json:"endpoints"`
	Keys               []KeyResponse      `json:"keys"`
	Available          bool               `json:"available"`
	MinCooldownMinutes int                `json:"min_cooldown_minutes,omitempty"`
	HasCooldownWarning bool               `json:"has_cooldown_warning"`
	UpdatedAt          string             `json:"updated_at"`
}

type ChannelsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Channels      []ChannelResponse `json:"channels"`
}

type ChannelEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Channel       ChannelResponse `json:"channel"`
}

type EndpointRequest struct {
	EndpointID    string  `json:"endpoint_id,omitempty" yaml:"endpoint_id,omitempty"`
	URL           string  `json:"url" yaml:"url"`
	Enabled       *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CooldownUntil *string `json:"cooldown_until,omitempty" yaml:"cooldown_until,omitempty"`
}

type KeyRequest struct {
	KeyID         string  `json:"key_id,omitempty" yaml:"key_id,omitempty"`
	Label         string  `json:"label,omitempty" yaml:"label,omitempty"`
	Secret        string  `json:"secret" yaml:"secret"`
	Enabled       *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CooldownUntil *string `json:"cooldown_until,omitempty" yaml:"cooldown_until,omitempty"`
}

// ChannelRequest creates or replaces a channel. A missing priority appends
// the channel after the protocol's current last row.
type ChannelRequest struct {
	ChannelID      string            `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`
	ChannelName    string            `json:"channel_name" yaml:"channel_name"`
	Protocol       string            `json:"protocol" yaml:"protocol"`
	Priority       *int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CostMultiplier *float64          `json:"cost_multiplier,omitempty" yaml:"cost_multiplier,omitempty"`
	Endpoints      []EndpointRequest `json:"endpoints" yaml:"endpoints"`
	Keys           []KeyRequest      `json:"keys" yaml:"keys"`
}

type EntityPatchRequest struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	CooldownUntil *string `json:"cooldown_until,omitempty"`
	ClearCooldown bool    `json:"clear_cooldown,omitempty"`
}

type OrderRequest struct {
	ChannelIDs []string `json:"channel_ids"`
}

type OrderResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Protocol      string    `json:"protocol"`
	ChannelIDs    []string  `json:"channel_ids"`
}

func ToChannelResponse(ch model.Channel, now time.Time) ChannelResponse {
	report := availability.ForChannel(ch, now)
	resp := ChannelResponse{
		ChannelID:          ch.ID,
		ChannelName:        ch.Name,
		Protocol:           string(ch.Protocol),
		Priority:           ch.Priority,
		Enabled:            ch.Enabled,
		Endpoints:          make([]EndpointResponse, 0, len(ch.Endpoints)),
		Keys:               make([]KeyResponse, 0, len(ch.Keys)),
		Available:          report.Available,
		MinCooldownMinutes: report.MinCooldownMinutes,
		HasCooldownWarning: report.HasCooldownWarning,
		UpdatedAt:          ch.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c := ch.CostMultiplier; !math.IsNaN(c) && !math.IsInf(c, 0) {
		resp.CostMultiplier = &c
	}
	for i, ep := range ch.Endpoints {
		resp.Endpoints = append(resp.Endpoints, EndpointResponse{
			EndpointID:    ep.ID,
			URL:           ep.URL,
			Enabled:       ep.Enabled,
			CooldownUntil: FormatTime(ep.CooldownUntil),
			Available:     report.Endpoints[i].Available,
		})
	}
	for i, k := range ch.Keys {
		resp.Keys = append(resp.Keys, KeyResponse{
			KeyID:         k.ID,
			Label:         k.Label,
			SecretMasked:  security.MaskSecret(k.Secret),
			Enabled:       k.Enabled,
			CooldownUntil: FormatTime(k.CooldownUntil),
			Available:     report.Keys[i].Available,
		})
	}
	return resp
}

// ToModel rebuilds the engine view of a channel. Key secrets stay masked.
func (r ChannelResponse) ToModel() (model.Channel, error) {
	ch := model.Channel{
		ID:             r.ChannelID,
		Name:           r.ChannelName,
		Protocol:       model.Protocol(r.Protocol),
		Priority:       r.Priority,
		Enabled:        r.Enabled,
		CostMultiplier: math.NaN(),
	}
	if r.CostMultiplier != nil {
		ch.CostMultiplier = *r.CostMultiplier
	}
	if r.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
		if err != nil {
			return ch, fmt.Errorf("channel %s updated_at: %w", r.ChannelID, err)
		}
		ch.UpdatedAt = ts
	}
	for _, ep := range r.Endpoints {
		until, err := ParseTime(ep.CooldownUntil)
		if err != nil {
			return ch, fmt.Errorf("endpoint %s: %w", ep.EndpointID, err)
		}
		ch.Endpoints = append(ch.Endpoints, model.Endpoint{ID: ep.EndpointID, URL: ep.URL, Enabled: ep.Enabled, CooldownUntil: until})
	}
	for _, k := range r.Keys {
		until, err := ParseTime(k.CooldownUntil)
		if err != nil {
			return ch, fmt.Errorf("key %s: %w", k.KeyID, err)
		}
		ch.Keys = append(ch.Keys, model.Key{ID: k.KeyID, Label: k.Label, Secret: k.SecretMasked, Enabled: k.Enabled, CooldownUntil: until})
	}
	return ch, nil
}

// ToModel converts the request into a channel. Omitted enabled flags default
// to true.
func (r ChannelRequest) ToModel() (model.Channel, error) {
	ch := model.Channel{
		ID:             strings.TrimSpace(r.ChannelID),
		Name:           strings.TrimSpace(r.ChannelName),
		Protocol:       model.Protocol(strings.ToLower(strings.TrimSpace(r.Protocol))),
		Enabled:        boolOr(r.Enabled, true),
		CostMultiplier: math.NaN(),
	}
	if r.Priority != nil {
		ch.Priority = *r.Priority
	}
	if r.CostMultiplier != nil {
		ch.CostMultiplier = *r.CostMultiplier
	}
	for i, ep := range r.Endpoints {
		until, err := ParseTime(ep.CooldownUntil)
		if err != nil {
			return ch, fmt.Errorf("endpoint %d: %w", i, err)
		}
		ch.Endpoints = append(ch.Endpoints, model.Endpoint{ID: ep.EndpointID, URL: ep.URL, Enabled: boolOr(ep.Enabled, true), CooldownUntil: until})
	}
	for i, k := range r.Keys {
		until, err := ParseTime(k.CooldownUntil)
		if err != nil {
			return ch, fmt.Errorf("key %d: %w", i, err)
		}
		ch.Keys = append(ch.Keys, model.Key{ID: k.KeyID, Label: k.Label, Secret: k.Secret, Enabled: boolOr(k.Enabled, true), CooldownUntil: until})
	}
	return ch, nil
}

func (r EntityPatchRequest) ToModel() (model.EntityPatch, error) {
	patch := model.EntityPatch{Enabled: r.Enabled, ClearCooldown: r.ClearCooldown}
	if r.CooldownUntil != nil {
		until, err := ParseTime(r.CooldownUntil)
		if err != nil {
			return patch, err
		}
		if until.IsZero() {
			patch.ClearCooldown = true
		} else {
			patch.CooldownUntil = &until
		}
	}
	return patch, nil
}

func FormatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// ParseTime accepts nil or an empty string as "no timestamp".
func ParseTime(raw *string) (time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cooldown_until %q", *raw)
	}
	return ts.UTC(), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
