//go:build integration

package state

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Sagnnik/docker-mcp-bridge/internal/testutil"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	tdb, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := NewPostgresStore(tdb.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	return store
}

func TestPostgresGrants_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	store := setupPostgresStore(t)

	if err := store.GrantTools(ctx, "tenant-a", "weather", []string{"get_weather"}); err != nil {
		t.Fatalf("GrantTools() error = %v", err)
	}
	if err := store.GrantTools(ctx, "tenant-a", "weather", []string{"get_weather", "get_forecast"}); err != nil {
		t.Fatalf("GrantTools() upsert error = %v", err)
	}

	granted, err := store.GrantedTools(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GrantedTools() error = %v", err)
	}
	if len(granted) != 2 {
		t.Errorf("granted = %v, want 2 tools", granted)
	}

	other, err := store.GrantedTools(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("GrantedTools() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("tenant-b sees tenant-a grants: %v", other)
	}

	existed, err := store.RevokeGrant(ctx, "tenant-a", "weather")
	if err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}
	if !existed {
		t.Error("RevokeGrant() existed = false, want true")
	}
	existed, err = store.RevokeGrant(ctx, "tenant-a", "weather")
	if err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}
	if existed {
		t.Error("second RevokeGrant() existed = true, want false")
	}
}

func TestPostgresReplaceTools_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	store := setupPostgresStore(t)

	_ = store.GrantTools(ctx, "tenant-a", "weather", []string{"get_weather"})
	_ = store.GrantTools(ctx, "tenant-a", "github", []string{"search_code"})

	if err := store.ReplaceTools(ctx, "tenant-a", []string{"search_code"}); err != nil {
		t.Fatalf("ReplaceTools() error = %v", err)
	}

	granted, err := store.GrantedTools(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GrantedTools() error = %v", err)
	}
	if _, ok := granted["get_weather"]; ok {
		t.Error("replaced-away tool still granted")
	}
	if _, ok := granted["search_code"]; !ok {
		t.Error("replacement set missing its tool")
	}
}

func TestPostgresServers_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	store := setupPostgresStore(t)

	for _, s := range []string{"weather", "github", "weather"} {
		if err := store.TrackServer(ctx, "tenant-a", s); err != nil {
			t.Fatalf("TrackServer() error = %v", err)
		}
	}

	servers, err := store.ActiveServers(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ActiveServers() error = %v", err)
	}
	if !slices.Equal(servers, []string{"weather", "github"}) {
		t.Errorf("ActiveServers() = %v", servers)
	}
}

func TestPostgresInterrupts_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	store := setupPostgresStore(t)

	it := sampleInterrupt("tenant-a")
	if err := store.Save(ctx, it); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Server != it.Server || got.Iteration != it.Iteration {
		t.Errorf("Get() = %+v, want %+v", got, it)
	}
	if len(got.Conversation) != len(it.Conversation) {
		t.Errorf("conversation round trip lost messages: %d != %d",
			len(got.Conversation), len(it.Conversation))
	}

	taken, err := store.Take(ctx, it.ID)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if taken.ID != it.ID {
		t.Errorf("Take() id = %s", taken.ID)
	}
	if _, err := store.Take(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Take() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresInterruptExpiry_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	store := setupPostgresStore(t)

	it := sampleInterrupt("tenant-a")
	it.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Save(ctx, it); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := store.Get(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() of expired interrupt error = %v, want ErrNotFound", err)
	}
	if _, err := store.Take(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Take() of expired interrupt error = %v, want ErrNotFound", err)
	}
}
