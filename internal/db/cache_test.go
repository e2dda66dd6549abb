package db

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"mycelica/hypha/internal/entity"
)

const testServer = "https://bis.example.org/rpc"

// setupTestDB opens an in-memory database with the cache schema.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func setupTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(setupTestDB(t), testServer)
}

func permIDsOf(es []entity.Entity) []string {
	ids := make([]string, len(es))
	for i, e := range es {
		ids[i] = e.PermID
	}
	return ids
}

func rootRecord(id string) entity.RawEntityRecord {
	return entity.RawEntityRecord{
		PermID:        id,
		Refcon:        "ref-" + id,
		SummaryHeader: entity.Some(id),
		RootLevel:     entity.Some(true),
	}
}

func TestUpsert_CreateAndRead(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	rec := entity.RawEntityRecord{
		PermID:     "P1",
		Refcon:     "R1",
		Summary:    entity.Some(""),
		Children:   entity.Some([]string{"C1", "C2"}),
		Properties: entity.Some(map[string]string{"k": "v"}),
		RootLevel:  entity.Some(false),
	}
	if _, err := c.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("P1 not found")
	}
	if got.Refcon != "R1" || got.ServerURL != testServer {
		t.Errorf("identity: got refcon=%q server=%q", got.Refcon, got.ServerURL)
	}
	if v, ok := got.Summary.Get(); !ok || v != "" {
		t.Errorf("summary should be present-empty, got %v known=%v", v, ok)
	}
	if got.SummaryHeader.Known() {
		t.Error("summary header should stay absent")
	}
	if v, _ := got.Children.Get(); !reflect.DeepEqual(v, []string{"C1", "C2"}) {
		t.Errorf("children: got %v", v)
	}
	if v, _ := got.Properties.Get(); !reflect.DeepEqual(v, map[string]string{"k": "v"}) {
		t.Errorf("properties: got %v", v)
	}
	if v, ok := got.RootLevel.Get(); !ok || v {
		t.Errorf("root level: got %v known=%v", v, ok)
	}
}

func TestUpsert_AbsentFieldKeepsCachedValue(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	first := entity.RawEntityRecord{PermID: "P1", Refcon: "R1", Properties: entity.Some(map[string]string{"k": "v"})}
	if _, err := c.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}

	second := entity.RawEntityRecord{PermID: "P1", Refcon: "R1", Summary: entity.Some("S")}
	if _, err := c.Upsert(ctx, second); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Summary.Get(); v != "S" {
		t.Errorf("summary: got %q, want S", v)
	}
	if v, _ := got.Properties.Get(); !reflect.DeepEqual(v, map[string]string{"k": "v"}) {
		t.Errorf("properties changed: got %v", v)
	}
}

func TestUpsert_StampsLastUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(setupTestDB(t), testServer, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := c.Upsert(ctx, rootRecord("P1")); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastUpdate.Equal(now) {
		t.Errorf("last update: got %v, want %v", got.LastUpdate, now)
	}
}

func TestRollback_DiscardsStagedWrites(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	if _, err := c.Upsert(ctx, rootRecord("N1")); err != nil {
		t.Fatal(err)
	}
	if !c.Pending() {
		t.Fatal("expected staged writes")
	}
	// staged writes are visible through the cache
	if n, err := c.Count(ctx); err != nil || n != 1 {
		t.Fatalf("staged count: got %d, %v", n, err)
	}
	if err := c.Rollback(); err != nil {
		t.Fatal(err)
	}
	if n, err := c.Count(ctx); err != nil || n != 0 {
		t.Errorf("count after rollback: got %d, %v", n, err)
	}
	deleted, err := c.Commit()
	if err != nil || deleted != nil {
		t.Errorf("commit without staged writes: got %v, %v", deleted, err)
	}
}

func TestDeleteNotIn_RootLevelScope(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"N1", "N2", "N3"} {
		if _, err := c.Upsert(ctx, rootRecord(id)); err != nil {
			t.Fatal(err)
		}
	}
	child := entity.RawEntityRecord{PermID: "C1", Refcon: "rc"}
	if _, err := c.Upsert(ctx, child); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Upsert(ctx, rootRecord("N1")); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteNotIn(ctx, []string{"N1"}, ScopeRootLevel); err != nil {
		t.Fatal(err)
	}
	deleted, err := c.Commit()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(deleted)
	if !reflect.DeepEqual(deleted, []string{"N2", "N3"}) {
		t.Errorf("deleted: got %v", deleted)
	}

	all, err := c.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := permIDsOf(all); !reflect.DeepEqual(got, []string{"C1", "N1"}) {
		t.Errorf("remaining: got %v", got)
	}
}

func TestDeleteNotIn_EmptyKeepRemovesWholeScope(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()
	for _, id := range []string{"N1", "N2"} {
		if _, err := c.Upsert(ctx, rootRecord(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.DeleteNotIn(ctx, nil, ScopeAll); err != nil {
		t.Fatal(err)
	}
	deleted, err := c.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 {
		t.Errorf("deleted: got %v", deleted)
	}
}

func TestFetchByPermIDs_PreservesOrderAndSkipsUnknown(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		if _, err := c.Upsert(ctx, rootRecord(id)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.FetchByPermIDs(ctx, []string{"C", "X", "A"})
	if err != nil {
		t.Fatal(err)
	}
	if ids := permIDsOf(got); !reflect.DeepEqual(ids, []string{"C", "A"}) {
		t.Errorf("got %v", ids)
	}
}

func TestFetchStaleSince(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	clock := base
	c := NewCache(d, testServer, WithClock(func() time.Time { return clock }))
	if _, err := c.Upsert(ctx, rootRecord("OLD")); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(2 * time.Hour)
	if _, err := c.Upsert(ctx, rootRecord("NEW")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}

	stale, err := c.FetchStaleSince(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ids := permIDsOf(stale); !reflect.DeepEqual(ids, []string{"OLD"}) {
		t.Errorf("stale: got %v", ids)
	}

	if err := c.Delete(ctx, permIDsOf(stale)); err != nil {
		t.Fatal(err)
	}
	deleted, err := c.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(deleted, []string{"OLD"}) {
		t.Errorf("deleted: got %v", deleted)
	}
}

func TestFetchRootLevel(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()
	recs := []entity.RawEntityRecord{
		{PermID: "B", Refcon: "r", Category: entity.Some("Plasmids"), SummaryHeader: entity.Some("p1"), RootLevel: entity.Some(true)},
		{PermID: "A", Refcon: "r", Category: entity.Some("Oligos"), SummaryHeader: entity.Some("o1"), RootLevel: entity.Some(true)},
		{PermID: "C", Refcon: "r", RootLevel: entity.Some(false)},
		{PermID: "D", Refcon: "r"},
	}
	for _, r := range recs {
		if _, err := c.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.FetchRootLevel(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids := permIDsOf(got); !reflect.DeepEqual(ids, []string{"A", "B"}) {
		t.Errorf("got %v", ids)
	}
}

func TestServerInfo_RoundTrip(t *testing.T) {
	c := setupTestCache(t)
	ctx := context.Background()

	info, err := c.ServerInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.LastRootSync.IsZero() || info.URL != testServer {
		t.Fatalf("fresh server info: got %+v", info)
	}

	synced := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	want := entity.ServerInfo{URL: testServer, LastRootSync: synced, RefreshInterval: 10 * time.Minute}
	if err := c.SaveServerInfo(ctx, want); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := c.ServerInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastRootSync.Equal(synced) || got.RefreshInterval != want.RefreshInterval {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCommit_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	d, err := OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCache(d, testServer)
	if _, err := c.Upsert(ctx, rootRecord("N1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(); err != nil {
		t.Fatal(err)
	}
	d.Close()

	d, err = OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	got, err := NewCache(d, testServer).Get(ctx, "N1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.IsRootLevel() {
		t.Errorf("N1 not persisted: %+v", got)
	}
}

func TestPersistenceErrorsAreWrapped(t *testing.T) {
	d := setupTestDB(t)
	c := NewCache(d, testServer)
	d.Close()

	_, err := c.FetchAll(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}
