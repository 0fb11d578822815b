package ordering

import (
	"sort"

	"github.com/g960059/chanpool/internal/model"
)

// Snapshot is a structural copy of one protocol's order.
type Snapshot struct {
	Protocol model.Protocol
	IDs      []string
}

// Store holds one ordered id list per protocol. Held slices are replaced,
// never mutated in place, so a slice handed out by Order stays valid.
// Store is not safe for concurrent use; its owner serializes access.
type Store struct {
	orders map[model.Protocol][]string
}

func NewStore() *Store {
	return &Store{orders: map[model.Protocol][]string{}}
}

func (s *Store) Order(p model.Protocol) []string {
	return clone(s.orders[p])
}

func (s *Store) Set(p model.Protocol, ids []string) {
	s.orders[p] = clone(ids)
}

func (s *Store) Protocols() []model.Protocol {
	out := make([]model.Protocol, 0, len(s.orders))
	for p := range s.orders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) MoveBefore(p model.Protocol, fromID, toID string) bool {
	return s.replace(p, MoveBefore(s.orders[p], fromID, toID))
}

func (s *Store) MoveToEnd(p model.Protocol, fromID string) bool {
	return s.replace(p, MoveToEnd(s.orders[p], fromID))
}

func (s *Store) Contains(p model.Protocol, id string) bool {
	return indexOf(s.orders[p], id) >= 0
}

func (s *Store) Snapshot(p model.Protocol) Snapshot {
	return Snapshot{Protocol: p, IDs: clone(s.orders[p])}
}

func (s *Store) Restore(snap Snapshot) {
	s.orders[snap.Protocol] = clone(snap.IDs)
}

func (s *Store) replace(p model.Protocol, next []string) bool {
	cur := s.orders[p]
	if len(next) == len(cur) && (len(cur) == 0 || &next[0] == &cur[0]) {
		return false
	}
	s.orders[p] = next
	return true
}

// SeedOrder groups channels by protocol and orders each group by priority,
// then name, then id.
func SeedOrder(channels []model.Channel) map[model.Protocol][]string {
	grouped := map[model.Protocol][]model.Channel{}
	for _, c := range channels {
		grouped[c.Protocol] = append(grouped[c.Protocol], c)
	}
	out := make(map[model.Protocol][]string, len(grouped))
	for p, chs := range grouped {
		sort.SliceStable(chs, func(i, j int) bool {
			if chs[i].Priority != chs[j].Priority {
				return chs[i].Priority < chs[j].Priority
			}
			if chs[i].Name != chs[j].Name {
				return chs[i].Name < chs[j].Name
			}
			return chs[i].ID < chs[j].ID
		})
		ids := make([]string, len(chs))
		for i, c := range chs {
			ids[i] = c.ID
		}
		out[p] = ids
	}
	return out
}

func clone(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
