package reconcile

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/g960059/chanpool/internal/availability"
	"github.com/g960059/chanpool/internal/model"
)

type CooldownStore interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
	ClearExpiredCooldowns(ctx context.Context, now time.Time) (int, error)
}

// Sweeper clears cooldown timestamps that have already elapsed. Availability
// never depends on it; it only keeps stored rows tidy.
type Sweeper struct {
	store    CooldownStore
	interval time.Duration
	log      *log.Entry
	now      func() time.Time
}

func NewSweeper(store CooldownStore, interval time.Duration, entry *log.Entry) *Sweeper {
	if entry == nil {
		entry = log.WithField("component", "sweeper")
	}
	return &Sweeper{store: store, interval: interval, log: entry, now: time.Now}
}

// Tick runs one sweep against now and returns how many cooldowns it cleared.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.ClearExpiredCooldowns(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired cooldowns: %w", err)
	}
	if n > 0 {
		s.log.WithField("cleared", n).Info("expired cooldowns cleared")
	}
	if s.log.Logger.IsLevelEnabled(log.DebugLevel) {
		channels, err := s.store.ListChannels(ctx)
		if err != nil {
			return n, fmt.Errorf("list channels for sweep: %w", err)
		}
		for id, r := range availability.Snapshot(channels, now) {
			if r.HasCooldownWarning {
				s.log.WithFields(log.Fields{"channel": id, "minutes": r.MinCooldownMinutes}).Debug("channel cooling down")
			}
		}
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. A zero interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now().UTC()); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("cooldown sweep failed")
			}
		}
	}
}
