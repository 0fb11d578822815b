package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const channelColumns = `channel_id, channel_name, protocol, priority, enabled, cost_multiplier, updated_at`

func (s *Store) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY protocol, priority, channel_name, channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make([]model.Channel, 0)
	index := map[string]int{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		index[ch.ID] = len(out)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	if err := attachEntities(ctx, s.db, out, index, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	return getChannel(ctx, s.db, id)
}

func getChannel(ctx context.Context, q queryer, id string) (model.Channel, error) {
	ch, err := scanChannel(q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE channel_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, fmt.Errorf("channel %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.Channel{}, err
	}
	out := []model.Channel{ch}
	if err := attachEntities(ctx, q, out, map[string]int{ch.ID: 0}, ch.ID); err != nil {
		return model.Channel{}, err
	}
	return out[0], nil
}

// attachEntities loads endpoints and keys for the indexed channels. A
// non-empty channelID restricts the query to that channel.
func attachEntities(ctx context.Context, q queryer, chs []model.Channel, index map[string]int, channelID string) error {
	where, args := "", []any{}
	if channelID != "" {
		where, args = " WHERE channel_id = ?", []any{channelID}
	}
	epRows, err := q.QueryContext(ctx, `SELECT channel_id, endpoint_id, url, enabled, cooldown_until FROM channel_endpoints`+where+` ORDER BY channel_id, position`, args...)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	for epRows.Next() {
		var (
			chID    string
			ep      model.Endpoint
			enabled int
			until   sql.NullString
		)
		if err := epRows.Scan(&chID, &ep.ID, &ep.URL, &enabled, &until); err != nil {
			epRows.Close() //nolint:errcheck
			return fmt.Errorf("scan endpoint: %w", err)
		}
		ep.Enabled = enabled == 1
		if ep.CooldownUntil, err = parseNullTS(until); err != nil {
			epRows.Close() //nolint:errcheck
			return fmt.Errorf("parse endpoint cooldown: %w", err)
		}
		if i, ok := index[chID]; ok {
			chs[i].Endpoints = append(chs[i].Endpoints, ep)
		}
	}
	if err := epRows.Close(); err != nil {
		return fmt.Errorf("close endpoints: %w", err)
	}

	keyRows, err := q.QueryContext(ctx, `SELECT channel_id, key_id, label, secret, enabled, cooldown_until FROM channel_keys`+where+` ORDER BY channel_id, position`, args...)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	defer keyRows.Close() //nolint:errcheck
	for keyRows.Next() {
		var (
			chID    string
			k       model.Key
			enabled int
			until   sql.NullString
		)
		if err := keyRows.Scan(&chID, &k.ID, &k.Label, &k.Secret, &enabled, &until); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		k.Enabled = enabled == 1
		if k.CooldownUntil, err = parseNullTS(until); err != nil {
			return fmt.Errorf("parse key cooldown: %w", err)
		}
		if i, ok := index[chID]; ok {
			chs[i].Keys = append(chs[i].Keys, k)
		}
	}
	return keyRows.Err()
}

func (s *Store) UpsertChannel(ctx context.Context, ch model.Channel) error {
	ch, err := store.Normalize(ch, time.Now())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert channel: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO channels(channel_id, channel_name, protocol, priority, enabled, cost_multiplier, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET
	channel_name=excluded.channel_name,
	protocol=excluded.protocol,
	priority=excluded.priority,
	enabled=excluded.enabled,
	cost_multiplier=excluded.cost_multiplier,
	updated_at=excluded.updated_at
`, ch.ID, ch.Name, string(ch.Protocol), ch.Priority, boolToInt(ch.Enabled), nullableCost(ch.CostMultiplier), ts(ch.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("channel %q: %w", ch.Name, store.ErrDuplicate)
		}
		return fmt.Errorf("upsert channel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_endpoints WHERE channel_id = ?`, ch.ID); err != nil {
		return fmt.Errorf("clear endpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_keys WHERE channel_id = ?`, ch.ID); err != nil {
		return fmt.Errorf("clear keys: %w", err)
	}
	for i, ep := range ch.Endpoints {
		_, err := tx.ExecContext(ctx, `
INSERT INTO channel_endpoints(endpoint_id, channel_id, position, url, enabled, cooldown_until)
VALUES (?, ?, ?, ?, ?, ?)`, ep.ID, ch.ID, i, ep.URL, boolToInt(ep.Enabled), nullableCooldown(ep.CooldownUntil))
		if err != nil {
			if isUniqueErr(err) {
				return fmt.Errorf("endpoint %q: %w", ep.ID, store.ErrDuplicate)
			}
			return fmt.Errorf("insert endpoint: %w", err)
		}
	}
	for i, k := range ch.Keys {
		_, err := tx.ExecContext(ctx, `
INSERT INTO channel_keys(key_id, channel_id, position, label, secret, enabled, cooldown_until)
VALUES (?, ?, ?, ?, ?, ?, ?)`, k.ID, ch.ID, i, k.Label, k.Secret, boolToInt(k.Enabled), nullableCooldown(k.CooldownUntil))
		if err != nil {
			if isUniqueErr(err) {
				return fmt.Errorf("key %q: %w", k.ID, store.ErrDuplicate)
			}
			return fmt.Errorf("insert key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert channel: %w", err)
	}
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetChannelEnabled(ctx context.Context, id string, enabled bool) (model.Channel, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET enabled = ?, updated_at = ? WHERE channel_id = ?`, boolToInt(enabled), ts(time.Now()), id)
	if err != nil {
		return model.Channel{}, fmt.Errorf("set channel enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Channel{}, fmt.Errorf("channel %q: %w", id, store.ErrNotFound)
	}
	return s.GetChannel(ctx, id)
}

func (s *Store) PatchEntity(ctx context.Context, kind model.EntityKind, channelID, entityID string, patch model.EntityPatch) (model.Channel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Channel{}, fmt.Errorf("begin patch %s: %w", kind, err)
	}
	defer tx.Rollback() //nolint:errcheck

	ch, err := getChannel(ctx, tx, channelID)
	if err != nil {
		return model.Channel{}, err
	}
	if err := store.ApplyPatch(&ch, kind, entityID, patch); err != nil {
		return model.Channel{}, err
	}
	var (
		enabled bool
		until   time.Time
		query   string
	)
	switch kind {
	case model.EntityEndpoint:
		for _, ep := range ch.Endpoints {
			if ep.ID == entityID {
				enabled, until = ep.Enabled, ep.CooldownUntil
			}
		}
		query = `UPDATE channel_endpoints SET enabled = ?, cooldown_until = ? WHERE endpoint_id = ? AND channel_id = ?`
	default:
		for _, k := range ch.Keys {
			if k.ID == entityID {
				enabled, until = k.Enabled, k.CooldownUntil
			}
		}
		query = `UPDATE channel_keys SET enabled = ?, cooldown_until = ? WHERE key_id = ? AND channel_id = ?`
	}
	if _, err := tx.ExecContext(ctx, query, boolToInt(enabled), nullableCooldown(until), entityID, channelID); err != nil {
		return model.Channel{}, fmt.Errorf("update %s: %w", kind, err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE channels SET updated_at = ? WHERE channel_id = ?`, ts(now), channelID); err != nil {
		return model.Channel{}, fmt.Errorf("touch channel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Channel{}, fmt.Errorf("commit patch %s: %w", kind, err)
	}
	ch.UpdatedAt = now
	return ch, nil
}

func (s *Store) PersistOrder(ctx context.Context, protocol model.Protocol, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist order: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT channel_id FROM channels WHERE protocol = ?`, string(protocol))
	if err != nil {
		return fmt.Errorf("list protocol channels: %w", err)
	}
	current := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return fmt.Errorf("scan channel id: %w", err)
		}
		current = append(current, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close protocol channels: %w", err)
	}
	if err := store.CheckOrder(current, ids); err != nil {
		return err
	}
	now := ts(time.Now())
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET priority = ?, updated_at = ? WHERE channel_id = ? AND priority != ?`, i, now, id, i); err != nil {
			return fmt.Errorf("update priority for %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist order: %w", err)
	}
	return nil
}

func (s *Store) ClearExpiredCooldowns(ctx context.Context, now time.Time) (int, error) {
	cutoff := cooldownTS(now)
	total := 0
	for _, table := range []string{"channel_endpoints", "channel_keys"} {
		res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET cooldown_until = NULL WHERE cooldown_until IS NOT NULL AND cooldown_until <= ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("clear expired cooldowns in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func scanChannel(scanner interface{ Scan(dest ...any) error }) (model.Channel, error) {
	var (
		ch        model.Channel
		protocol  string
		enabled   int
		cost      sql.NullFloat64
		updatedAt string
	)
	if err := scanner.Scan(&ch.ID, &ch.Name, &protocol, &ch.Priority, &enabled, &cost, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Channel{}, err
		}
		return model.Channel{}, fmt.Errorf("scan channel: %w", err)
	}
	ch.Protocol = model.Protocol(protocol)
	ch.Enabled = enabled == 1
	ch.CostMultiplier = math.NaN()
	if cost.Valid {
		ch.CostMultiplier = cost.Float64
	}
	var err error
	if ch.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Channel{}, fmt.Errorf("parse channel updated_at: %w", err)
	}
	return ch, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableCost(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func nullableCooldown(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return cooldownTS(t)
}

// cooldownTS is fixed width so that cooldown columns compare correctly as
// text.
func cooldownTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseNullTS(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return parseTS(v.String)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "PRIMARY KEY")
}
