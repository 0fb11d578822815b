// Package availability derives the real-time availability of channels,
// endpoints and keys from their enabled flags and cooldown expiry timestamps.
//
// Every function takes the evaluation time explicitly. Callers capture one
// now per render pass so that all rows of a pass agree.
package availability

import (
	"time"

	"github.com/g960059/chanpool/internal/model"
)

type Status struct {
	Available   bool
	CoolingDown bool
	// RemainingMinutes is at least 1 while CoolingDown and 0 otherwise.
	RemainingMinutes int
}

// RemainingMinutes reports the whole minutes left until until, rounded up and
// never below 1. ok is false when until is zero or not after now.
func RemainingMinutes(until, now time.Time) (minutes int, ok bool) {
	if until.IsZero() || !until.After(now) {
		return 0, false
	}
	ms := until.Sub(now).Milliseconds()
	minutes = int((ms + 59_999) / 60_000)
	if minutes < 1 {
		minutes = 1
	}
	return minutes, true
}

func Of(e model.Cooldownable, now time.Time) Status {
	minutes, cooling := RemainingMinutes(e.CooldownExpiry(), now)
	return Status{
		Available:        e.IsEnabled() && !cooling,
		CoolingDown:      cooling,
		RemainingMinutes: minutes,
	}
}

func ChannelAvailable(c model.Channel, now time.Time) bool {
	if !c.Enabled {
		return false
	}
	return anyEndpointAvailable(c.Endpoints, now) && anyKeyAvailable(c.Keys, now)
}

func anyEndpointAvailable(endpoints []model.Endpoint, now time.Time) bool {
	for _, ep := range endpoints {
		if Of(ep, now).Available {
			return true
		}
	}
	return false
}

func anyKeyAvailable(keys []model.Key, now time.Time) bool {
	for _, k := range keys {
		if Of(k, now).Available {
			return true
		}
	}
	return false
}
