// Package autosort proposes a cost-based channel order. It never mutates the
// ordering store; applying a proposal is the reorder controller's job.
package autosort

import (
	"math"
	"sort"

	"github.com/g960059/chanpool/internal/model"
)

// CostFactor is the ranking key for a channel. Unset, non-finite and negative
// multipliers rank as +Inf.
func CostFactor(c model.Channel) float64 {
	m := c.CostMultiplier
	if math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
		return math.Inf(1)
	}
	return m
}

// ProposeOrder returns channels in suggested order:
//  1. enabled channels before disabled ones;
//  2. within a tier, lower cost factor first (+Inf last);
//  3. ties by name, byte-wise ascending.
//
// The sort is stable and the input slice is left untouched.
func ProposeOrder(channels []model.Channel) []model.Channel {
	out := make([]model.Channel, len(channels))
	copy(out, channels)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Enabled != out[j].Enabled {
			return out[i].Enabled
		}
		ci, cj := CostFactor(out[i]), CostFactor(out[j])
		if ci != cj {
			return ci < cj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func IDs(channels []model.Channel) []string {
	ids := make([]string, len(channels))
	for i, c := range channels {
		ids[i] = c.ID
	}
	return ids
}

func Changed(current, proposed []string) bool {
	if len(current) != len(proposed) {
		return true
	}
	for i := range current {
		if current[i] != proposed[i] {
			return true
		}
	}
	return false
}

// Move is one row of a proposal diff.
type Move struct {
	ChannelID  string
	Name       string
	Enabled    bool
	CostFactor float64
	From       int
	To         int
}

// Diff lists the channels whose position differs between current and
// proposed, in proposed order. An empty diff means the proposal is a no-op.
func Diff(current, proposed []model.Channel) []Move {
	from := make(map[string]int, len(current))
	for i, c := range current {
		from[c.ID] = i
	}
	moves := make([]Move, 0)
	for to, c := range proposed {
		idx, ok := from[c.ID]
		if ok && idx == to {
			continue
		}
		if !ok {
			idx = -1
		}
		moves = append(moves, Move{
			ChannelID:  c.ID,
			Name:       c.Name,
			Enabled:    c.Enabled,
			CostFactor: CostFactor(c),
			From:       idx,
			To:         to,
		})
	}
	return moves
}
