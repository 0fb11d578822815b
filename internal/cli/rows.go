package cli

import (
	"fmt"
	"strconv"

	"github.com/g960059/chanpool/internal/api"
	"github.com/g960059/chanpool/internal/model"
)

type ChannelRow struct {
	ID        string `table:"ID" json:"channel_id" yaml:"channel_id"`
	Name      string `table:"NAME" json:"name" yaml:"name"`
	Protocol  string `table:"PROTOCOL" json:"protocol" yaml:"protocol"`
	Priority  int    `table:"PRIO" json:"priority" yaml:"priority"`
	Enabled   bool   `table:"ENABLED" json:"enabled" yaml:"enabled"`
	Available bool   `table:"AVAILABLE" json:"available" yaml:"available"`
	Cost      string `table:"COST" json:"cost_multiplier" yaml:"cost_multiplier"`
	Endpoints string `table:"ENDPOINTS" json:"endpoints" yaml:"endpoints"`
	Keys      string `table:"KEYS" json:"keys" yaml:"keys"`
	Cooldown  string `table:"COOLDOWN" json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

type EntityRow struct {
	Kind          string `table:"KIND" json:"kind" yaml:"kind"`
	ID            string `table:"ID" json:"id" yaml:"id"`
	Target        string `table:"TARGET" json:"target" yaml:"target"`
	Enabled       bool   `table:"ENABLED" json:"enabled" yaml:"enabled"`
	Available     bool   `table:"AVAILABLE" json:"available" yaml:"available"`
	CooldownUntil string `table:"COOLDOWN_UNTIL" json:"cooldown_until,omitempty" yaml:"cooldown_until,omitempty"`
}

type ChannelDetail struct {
	Channel  ChannelRow  `json:"channel" yaml:"channel"`
	Entities []EntityRow `json:"entities" yaml:"entities"`
}

func toChannelRow(ch api.ChannelResponse) ChannelRow {
	row := ChannelRow{
		ID:        ch.ChannelID,
		Name:      ch.ChannelName,
		Protocol:  ch.Protocol,
		Priority:  ch.Priority,
		Enabled:   ch.Enabled,
		Available: ch.Available,
		Cost:      "-",
	}
	if ch.CostMultiplier != nil {
		row.Cost = strconv.FormatFloat(*ch.CostMultiplier, 'g', -1, 64)
	}
	epOK := 0
	for _, ep := range ch.Endpoints {
		if ep.Available {
			epOK++
		}
	}
	keyOK := 0
	for _, k := range ch.Keys {
		if k.Available {
			keyOK++
		}
	}
	row.Endpoints = fmt.Sprintf("%d/%d", epOK, len(ch.Endpoints))
	row.Keys = fmt.Sprintf("%d/%d", keyOK, len(ch.Keys))
	if ch.HasCooldownWarning {
		row.Cooldown = fmt.Sprintf("%dm", ch.MinCooldownMinutes)
	}
	return row
}

func toChannelRows(channels []api.ChannelResponse) []ChannelRow {
	rows := make([]ChannelRow, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, toChannelRow(ch))
	}
	return rows
}

func toDetail(ch api.ChannelResponse) ChannelDetail {
	d := ChannelDetail{Channel: toChannelRow(ch), Entities: []EntityRow{}}
	for _, ep := range ch.Endpoints {
		d.Entities = append(d.Entities, EntityRow{
			Kind:          string(model.EntityEndpoint),
			ID:            ep.EndpointID,
			Target:        ep.URL,
			Enabled:       ep.Enabled,
			Available:     ep.Available,
			CooldownUntil: deref(ep.CooldownUntil),
		})
	}
	for _, k := range ch.Keys {
		target := k.SecretMasked
		if k.Label != "" {
			target = k.Label + " " + target
		}
		d.Entities = append(d.Entities, EntityRow{
			Kind:          string(model.EntityKey),
			ID:            k.KeyID,
			Target:        target,
			Enabled:       k.Enabled,
			Available:     k.Available,
			CooldownUntil: deref(k.CooldownUntil),
		})
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
