package availability

import (
	"time"

	"github.com/g960059/chanpool/internal/model"
)

type EntityReport struct {
	ID      string
	Enabled bool
	Status
}

// ChannelReport is the per-row view renderers need: overall availability and
// the partial cooldown warning shown even while the channel still serves.
type ChannelReport struct {
	ChannelID          string
	Enabled            bool
	Available          bool
	Endpoints          []EntityReport
	Keys               []EntityReport
	AvailableEndpoints int
	AvailableKeys      int
	// MinCooldownMinutes is the smallest remaining cooldown among enabled
	// endpoints and keys. Disabled entities never contribute.
	MinCooldownMinutes int
	HasCooldownWarning bool
}

func ForChannel(c model.Channel, now time.Time) ChannelReport {
	r := ChannelReport{
		ChannelID: c.ID,
		Enabled:   c.Enabled,
		Endpoints: make([]EntityReport, 0, len(c.Endpoints)),
		Keys:      make([]EntityReport, 0, len(c.Keys)),
	}
	for _, ep := range c.Endpoints {
		er := EntityReport{ID: ep.ID, Enabled: ep.Enabled, Status: Of(ep, now)}
		if er.Available {
			r.AvailableEndpoints++
		}
		r.observe(er)
		r.Endpoints = append(r.Endpoints, er)
	}
	for _, k := range c.Keys {
		er := EntityReport{ID: k.ID, Enabled: k.Enabled, Status: Of(k, now)}
		if er.Available {
			r.AvailableKeys++
		}
		r.observe(er)
		r.Keys = append(r.Keys, er)
	}
	r.Available = c.Enabled && r.AvailableEndpoints > 0 && r.AvailableKeys > 0
	return r
}

func (r *ChannelReport) observe(er EntityReport) {
	if !er.Enabled || !er.CoolingDown {
		return
	}
	if !r.HasCooldownWarning || er.RemainingMinutes < r.MinCooldownMinutes {
		r.MinCooldownMinutes = er.RemainingMinutes
	}
	r.HasCooldownWarning = true
}

// Snapshot evaluates every channel against the same now, keyed by channel id.
func Snapshot(channels []model.Channel, now time.Time) map[string]ChannelReport {
	out := make(map[string]ChannelReport, len(channels))
	for _, c := range channels {
		out[c.ID] = ForChannel(c, now)
	}
	return out
}
