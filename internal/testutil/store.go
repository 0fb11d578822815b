package testutil

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/chanpool/internal/db"
	"github.com/g960059/chanpool/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "chanpool-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// Channel returns an enabled channel with one endpoint and one key whose ids
// derive from id.
func Channel(id string, protocol model.Protocol, priority int) model.Channel {
	return model.Channel{
		ID:             id,
		Name:           id,
		Protocol:       protocol,
		Priority:       priority,
		Enabled:        true,
		CostMultiplier: math.NaN(),
		Endpoints:      []model.Endpoint{{ID: id + "-ep", URL: "https://" + id + ".example.com", Enabled: true}},
		Keys:           []model.Key{{ID: id + "-key", Label: "primary", Secret: "sk-test-" + id + "-0000", Enabled: true}},
		UpdatedAt:      time.Now().UTC(),
	}
}

func SeedChannel(t *testing.T, store *db.Store, ctx context.Context, id string, protocol model.Protocol, priority int) model.Channel {
	t.Helper()
	ch := Channel(id, protocol, priority)
	if err := store.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("seed channel %s: %v", id, err)
	}
	return ch
}
