// Package etcdstore keeps channels in etcd, one JSON document per channel
// under <prefix>/channels/<id>. Order updates commit in a single transaction
// guarded by the mod revisions read beforehand.
package etcdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/store"
)

const (
	DefaultPrefix     = "/chanpool/v1"
	defaultDialTimeout = 5 * time.Second
	maxTxnAttempts    = 5
)

var _ store.Store = (*Store)(nil)

type Store struct {
	client *clientv3.Client
	prefix string
	now    func() time.Time
}

type Options struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

func Open(opts Options) (*Store, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dial,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

func NewWithClient(client *clientv3.Client, prefix string) *Store {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return fmt.Sprintf("%s/channels/%s", s.prefix, id)
}

func (s *Store) listPrefix() string {
	return s.prefix + "/channels/"
}

type revisioned struct {
	channel model.Channel
	key     string
	modRev  int64
}

func (s *Store) list(ctx context.Context) ([]revisioned, error) {
	resp, err := s.client.Get(ctx, s.listPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", s.listPrefix(), err)
	}
	out := make([]revisioned, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ch, err := decode(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", string(kv.Key), err)
		}
		out = append(out, revisioned{channel: ch, key: string(kv.Key), modRev: kv.ModRevision})
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, id string) (revisioned, error) {
	k := s.key(id)
	resp, err := s.client.Get(ctx, k)
	if err != nil {
		return revisioned{}, fmt.Errorf("etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return revisioned{}, fmt.Errorf("channel %q: %w", id, store.ErrNotFound)
	}
	ch, err := decode(resp.Kvs[0].Value)
	if err != nil {
		return revisioned{}, fmt.Errorf("decode %q: %w", k, err)
	}
	return revisioned{channel: ch, key: k, modRev: resp.Kvs[0].ModRevision}, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]model.Channel, error) {
	items, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Channel, len(items))
	for i, it := range items {
		out[i] = it.channel
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	it, err := s.get(ctx, id)
	if err != nil {
		return model.Channel{}, err
	}
	return it.channel, nil
}

// UpsertChannel enforces unique names per protocol and unique endpoint and
// key ids across channels. The write is conditioned on the revisions of every
// channel it checked against.
func (s *Store) UpsertChannel(ctx context.Context, ch model.Channel) error {
	ch, err := store.Normalize(ch, s.now())
	if err != nil {
		return err
	}
	data, err := encode(ch)
	if err != nil {
		return err
	}
	return s.retry(ctx, func() (bool, error) {
		items, err := s.list(ctx)
		if err != nil {
			return false, err
		}
		owned := map[string]bool{}
		for _, ep := range ch.Endpoints {
			owned[ep.ID] = true
		}
		for _, k := range ch.Keys {
			owned[k.ID] = true
		}
		cmps := make([]clientv3.Cmp, 0, len(items)+1)
		self := s.key(ch.ID)
		selfSeen := false
		for _, it := range items {
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(it.key), "=", it.modRev))
			if it.channel.ID == ch.ID {
				selfSeen = true
				continue
			}
			if it.channel.Protocol == ch.Protocol && it.channel.Name == ch.Name {
				return false, fmt.Errorf("channel %q: %w", ch.Name, store.ErrDuplicate)
			}
			for _, ep := range it.channel.Endpoints {
				if owned[ep.ID] {
					return false, fmt.Errorf("endpoint %q: %w", ep.ID, store.ErrDuplicate)
				}
			}
			for _, k := range it.channel.Keys {
				if owned[k.ID] {
					return false, fmt.Errorf("key %q: %w", k.ID, store.ErrDuplicate)
				}
			}
		}
		if !selfSeen {
			cmps = append(cmps, clientv3.Compare(clientv3.Version(self), "=", 0))
		}
		resp, err := s.client.Txn(ctx).If(cmps...).Then(clientv3.OpPut(self, data)).Commit()
		if err != nil {
			return false, fmt.Errorf("etcd txn upsert %q: %w", self, err)
		}
		return resp.Succeeded, nil
	})
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	k := s.key(id)
	resp, err := s.client.Delete(ctx, k)
	if err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("channel %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetChannelEnabled(ctx context.Context, id string, enabled bool) (model.Channel, error) {
	return s.update(ctx, id, func(ch *model.Channel) error {
		ch.Enabled = enabled
		return nil
	})
}

func (s *Store) PatchEntity(ctx context.Context, kind model.EntityKind, channelID, entityID string, patch model.EntityPatch) (model.Channel, error) {
	return s.update(ctx, channelID, func(ch *model.Channel) error {
		return store.ApplyPatch(ch, kind, entityID, patch)
	})
}

// update applies fn to the stored channel with compare-and-swap on its mod
// revision, retrying when another writer got there first.
func (s *Store) update(ctx context.Context, id string, fn func(ch *model.Channel) error) (model.Channel, error) {
	var out model.Channel
	err := s.retry(ctx, func() (bool, error) {
		it, err := s.get(ctx, id)
		if err != nil {
			return false, err
		}
		ch := it.channel
		if err := fn(&ch); err != nil {
			return false, err
		}
		ch.UpdatedAt = s.now().UTC()
		data, err := encode(ch)
		if err != nil {
			return false, err
		}
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(it.key), "=", it.modRev)).
			Then(clientv3.OpPut(it.key, data)).
			Commit()
		if err != nil {
			return false, fmt.Errorf("etcd txn update %q: %w", it.key, err)
		}
		out = ch
		return resp.Succeeded, nil
	})
	return out, err
}

func (s *Store) PersistOrder(ctx context.Context, protocol model.Protocol, ids []string) error {
	return s.retry(ctx, func() (bool, error) {
		items, err := s.list(ctx)
		if err != nil {
			return false, err
		}
		byID := map[string]revisioned{}
		current := make([]string, 0)
		for _, it := range items {
			if it.channel.Protocol != protocol {
				continue
			}
			byID[it.channel.ID] = it
			current = append(current, it.channel.ID)
		}
		if err := store.CheckOrder(current, ids); err != nil {
			return false, err
		}
		now := s.now().UTC()
		cmps := make([]clientv3.Cmp, 0, len(ids))
		ops := make([]clientv3.Op, 0, len(ids))
		for i, id := range ids {
			it := byID[id]
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(it.key), "=", it.modRev))
			if it.channel.Priority == i {
				continue
			}
			ch := it.channel
			ch.Priority = i
			ch.UpdatedAt = now
			data, err := encode(ch)
			if err != nil {
				return false, err
			}
			ops = append(ops, clientv3.OpPut(it.key, data))
		}
		if len(ops) == 0 {
			return true, nil
		}
		resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return false, fmt.Errorf("etcd txn persist order: %w", err)
		}
		return resp.Succeeded, nil
	})
}

func (s *Store) ClearExpiredCooldowns(ctx context.Context, now time.Time) (int, error) {
	items, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, it := range items {
		if countExpired(it.channel, now) == 0 {
			continue
		}
		var cleared int
		_, err := s.update(ctx, it.channel.ID, func(ch *model.Channel) error {
			cleared = clearExpired(ch, now)
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return total, err
		}
		total += cleared
	}
	return total, nil
}

func countExpired(ch model.Channel, now time.Time) int {
	n := 0
	for _, ep := range ch.Endpoints {
		if !ep.CooldownUntil.IsZero() && !ep.CooldownUntil.After(now) {
			n++
		}
	}
	for _, k := range ch.Keys {
		if !k.CooldownUntil.IsZero() && !k.CooldownUntil.After(now) {
			n++
		}
	}
	return n
}

func clearExpired(ch *model.Channel, now time.Time) int {
	n := 0
	for i := range ch.Endpoints {
		if u := ch.Endpoints[i].CooldownUntil; !u.IsZero() && !u.After(now) {
			ch.Endpoints[i].CooldownUntil = time.Time{}
			n++
		}
	}
	for i := range ch.Keys {
		if u := ch.Keys[i].CooldownUntil; !u.IsZero() && !u.After(now) {
			ch.Keys[i].CooldownUntil = time.Time{}
			n++
		}
	}
	return n
}

var errConflict = errors.New("etcd transaction conflict")

func (s *Store) retry(ctx context.Context, attempt func() (bool, error)) error {
	for i := 0; i < maxTxnAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := attempt()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errConflict
}

// record is the stored JSON document. Cost is a pointer because JSON has no
// NaN.
type record struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Protocol       string           `json:"protocol"`
	Priority       int              `json:"priority"`
	Enabled        bool             `json:"enabled"`
	CostMultiplier *float64         `json:"cost_multiplier,omitempty"`
	Endpoints      []endpointRecord `json:"endpoints"`
	Keys           []keyRecord      `json:"keys"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type endpointRecord struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Enabled       bool       `json:"enabled"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

type keyRecord struct {
	ID            string     `json:"id"`
	Label         string     `json:"label,omitempty"`
	Secret        string     `json:"secret"`
	Enabled       bool       `json:"enabled"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

func encode(ch model.Channel) (string, error) {
	rec := record{
		ID:        ch.ID,
		Name:      ch.Name,
		Protocol:  string(ch.Protocol),
		Priority:  ch.Priority,
		Enabled:   ch.Enabled,
		UpdatedAt: ch.UpdatedAt.UTC(),
		Endpoints: make([]endpointRecord, 0, len(ch.Endpoints)),
		Keys:      make([]keyRecord, 0, len(ch.Keys)),
	}
	if c := ch.CostMultiplier; !math.IsNaN(c) && !math.IsInf(c, 0) {
		rec.CostMultiplier = &c
	}
	for _, ep := range ch.Endpoints {
		rec.Endpoints = append(rec.Endpoints, endpointRecord{ID: ep.ID, URL: ep.URL, Enabled: ep.Enabled, CooldownUntil: optTime(ep.CooldownUntil)})
	}
	for _, k := range ch.Keys {
		rec.Keys = append(rec.Keys, keyRecord{ID: k.ID, Label: k.Label, Secret: k.Secret, Enabled: k.Enabled, CooldownUntil: optTime(k.CooldownUntil)})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal channel: %w", err)
	}
	return string(data), nil
}

func decode(data []byte) (model.Channel, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Channel{}, err
	}
	ch := model.Channel{
		ID:             rec.ID,
		Name:           rec.Name,
		Protocol:       model.Protocol(rec.Protocol),
		Priority:       rec.Priority,
		Enabled:        rec.Enabled,
		CostMultiplier: math.NaN(),
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.CostMultiplier != nil {
		ch.CostMultiplier = *rec.CostMultiplier
	}
	for _, ep := range rec.Endpoints {
		ch.Endpoints = append(ch.Endpoints, model.Endpoint{ID: ep.ID, URL: ep.URL, Enabled: ep.Enabled, CooldownUntil: derefTime(ep.CooldownUntil)})
	}
	for _, k := range rec.Keys {
		ch.Keys = append(ch.Keys, model.Key{ID: k.ID, Label: k.Label, Secret: k.Secret, Enabled: k.Enabled, CooldownUntil: derefTime(k.CooldownUntil)})
	}
	return ch, nil
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
