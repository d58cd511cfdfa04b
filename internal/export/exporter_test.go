package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/cache"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/handlers"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/warehouse"
)

type fakeAdapter struct {
	activity      []warehouse.ActivityRow
	network       []warehouse.InNetworkRow
	graph         []warehouse.GraphRow
	activityCalls int
	networkCalls  int
	failTable     string
}

func (f *fakeAdapter) WriteActivity(_ context.Context, rows []warehouse.ActivityRow) (int, error) {
	f.activityCalls++
	if f.failTable == "study_user_activity" {
		return 0, errors.New("warehouse unavailable")
	}
	f.activity = append(f.activity, rows...)
	return len(rows), nil
}

func (f *fakeAdapter) WriteInNetwork(_ context.Context, rows []warehouse.InNetworkRow) (int, error) {
	f.networkCalls++
	if f.failTable == "in_network_user_activity" {
		return 0, errors.New("warehouse unavailable")
	}
	f.network = append(f.network, rows...)
	return len(rows), nil
}

func (f *fakeAdapter) WriteGraph(_ context.Context, rows []warehouse.GraphRow) (int, error) {
	if f.failTable == "social_graph" {
		return 0, errors.New("warehouse unavailable")
	}
	f.graph = append(f.graph, rows...)
	return len(rows), nil
}

func (f *fakeAdapter) Close() error { return nil }

type fixture struct {
	resolver *cache.Resolver
	dirs     *cache.DirManager
	writer   *cache.Writer
	registry *handlers.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	resolver := cache.NewResolver(filepath.Join(t.TempDir(), "cache"))
	dirs := cache.NewDirManager(resolver)
	if err := dirs.RebuildAll(); err != nil {
		t.Fatal(err)
	}
	// Batch size 1 flushes every record as its own file, so file-count
	// assertions map one to one onto cached records.
	writer := cache.NewWriter(dirs, cache.WriterConfig{MaxBatchSize: 1, FlushInterval: time.Hour}, nil)
	return &fixture{
		resolver: resolver,
		dirs:     dirs,
		writer:   writer,
		registry: handlers.NewRegistry(resolver, writer),
	}
}

func (fx *fixture) cachePost(t *testing.T, kind domain.RecordKind, author string, i int) {
	t.Helper()
	rec := domain.PostRecord{
		URI:       fmt.Sprintf("at://%s/app.bsky.feed.post/p%d", author, i),
		AuthorDID: author,
		Text:      "hello",
		CreatedAt: "2024-06-01T12:00:00Z",
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	h, err := fx.registry.Lookup(kind)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Write(domain.CacheEnvelope{
		Kind:      kind,
		Operation: domain.OperationCreate,
		OwnerDID:  author,
		Filename:  fmt.Sprintf("author_did=%s_post_uri_suffix=p%d", author, i),
		Record:    raw,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) cacheFollow(t *testing.T, rel domain.FollowRelation, owner string) {
	t.Helper()
	rec := domain.FollowRecord{
		URI:        "at://did:plc:alice/app.bsky.graph.follow/f1",
		AuthorDID:  "did:plc:alice",
		SubjectDID: "did:plc:bob",
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	h, err := fx.registry.Lookup(domain.KindFollow)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Write(domain.CacheEnvelope{
		Kind:      domain.KindFollow,
		Operation: domain.OperationCreate,
		OwnerDID:  owner,
		Filename:  "follower_did=did:plc:alice_followee_did=did:plc:bob",
		Relation:  rel,
		Record:    raw,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func countBatchFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".jsonl" {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestExportMovesCacheToWarehouse(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 3; i++ {
		fx.cachePost(t, domain.KindPost, "did:plc:study1", i)
	}
	for i := 0; i < 2; i++ {
		fx.cachePost(t, domain.KindInNetworkPost, "did:plc:network1", i)
	}
	if n := countBatchFiles(t, fx.resolver.Root()); n != 5 {
		t.Fatalf("fixture flushed %d files, want 5", n)
	}

	adapter := &fakeAdapter{}
	summary, err := NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.ActivityRows != 3 {
		t.Fatalf("activity rows = %d, want 3", summary.ActivityRows)
	}
	if summary.InNetworkRows != 2 {
		t.Fatalf("in-network rows = %d, want 2", summary.InNetworkRows)
	}
	if summary.FilesDeleted != 5 {
		t.Fatalf("deleted %d files, want 5", summary.FilesDeleted)
	}
	if len(summary.FailedTables) != 0 {
		t.Fatalf("failed tables: %v", summary.FailedTables)
	}
	if adapter.activityCalls != 1 || adapter.networkCalls != 1 {
		t.Fatalf("adapter calls = %d/%d, want one per table", adapter.activityCalls, adapter.networkCalls)
	}
	if len(adapter.activity) != 3 || len(adapter.network) != 2 {
		t.Fatalf("adapter got %d/%d rows", len(adapter.activity), len(adapter.network))
	}
	if n := countBatchFiles(t, fx.resolver.Root()); n != 0 {
		t.Fatalf("%d batch files survived export", n)
	}
	// Skeleton is rebuilt so the consumer can keep writing.
	for _, p := range fx.resolver.SkeletonPaths() {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("skeleton path missing after export: %s", p)
		}
	}
}

func TestExportGroupsFollowsIntoGraph(t *testing.T) {
	fx := newFixture(t)
	fx.cacheFollow(t, domain.RelationFollower, "did:plc:alice")
	fx.cacheFollow(t, domain.RelationFollowee, "did:plc:bob")
	if err := fx.writer.FlushAll(); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{}
	summary, err := NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.GraphRows != 2 {
		t.Fatalf("graph rows = %d, want 2", summary.GraphRows)
	}
	for _, row := range adapter.graph {
		if row.FollowerDID != "did:plc:alice" || row.FolloweeDID != "did:plc:bob" {
			t.Fatalf("bad graph row: %+v", row)
		}
		if row.Relation != "follower" && row.Relation != "followee" {
			t.Fatalf("bad relation: %q", row.Relation)
		}
	}
}

// A destination failure keeps that table's batch files for the next cycle
// while the other tables still export and clear.
func TestExportFailureIsolation(t *testing.T) {
	fx := newFixture(t)
	fx.cachePost(t, domain.KindPost, "did:plc:study1", 0)
	fx.cachePost(t, domain.KindInNetworkPost, "did:plc:network1", 0)
	if err := fx.writer.FlushAll(); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{failTable: "study_user_activity"}
	summary, err := NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.FailedTables) != 1 || summary.FailedTables[0] != "study_user_activity" {
		t.Fatalf("failed tables = %v", summary.FailedTables)
	}
	if summary.InNetworkRows != 1 {
		t.Fatalf("in-network rows = %d, want 1", summary.InNetworkRows)
	}
	if summary.FilesDeleted != 1 {
		t.Fatalf("deleted %d files, want 1", summary.FilesDeleted)
	}
	// The failed table's file is still there for retry.
	if n := countBatchFiles(t, fx.resolver.Root()); n != 1 {
		t.Fatalf("%d batch files remain, want 1", n)
	}

	adapter.failTable = ""
	summary, err = NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.ActivityRows != 1 {
		t.Fatalf("retry exported %d activity rows, want 1", summary.ActivityRows)
	}
	if n := countBatchFiles(t, fx.resolver.Root()); n != 0 {
		t.Fatalf("%d batch files remain after retry", n)
	}
}

// A torn batch file, as a crash mid-flush could leave behind, must not
// block the run: it is quarantined aside and every healthy table still
// exports and clears.
func TestExportQuarantinesTornBatchFile(t *testing.T) {
	fx := newFixture(t)
	fx.cachePost(t, domain.KindInNetworkPost, "did:plc:network1", 0)
	if err := fx.writer.FlushAll(); err != nil {
		t.Fatal(err)
	}
	postDir, err := fx.resolver.Resolve(domain.OperationCreate, domain.KindPost, "")
	if err != nil {
		t.Fatal(err)
	}
	torn := filepath.Join(postDir, "1-torn.jsonl")
	if err := os.WriteFile(torn, []byte(`{"kind":"post","opera`), 0o644); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{}
	summary, err := NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.InNetworkRows != 1 || adapter.networkCalls != 1 {
		t.Fatalf("healthy table not exported: rows=%d calls=%d", summary.InNetworkRows, adapter.networkCalls)
	}
	if summary.FilesQuarantined != 1 {
		t.Fatalf("quarantined %d files, want 1", summary.FilesQuarantined)
	}
	if len(summary.FailedTables) != 0 {
		t.Fatalf("failed tables: %v", summary.FailedTables)
	}
	if _, err := os.Stat(torn); !os.IsNotExist(err) {
		t.Fatalf("torn file still in the scan set: %v", err)
	}
	if _, err := os.Stat(torn + ".corrupt"); err != nil {
		t.Fatalf("quarantined copy missing: %v", err)
	}
	if n := countBatchFiles(t, fx.resolver.Root()); n != 0 {
		t.Fatalf("%d batch files survived export", n)
	}

	// The next cycle no longer sees the quarantined file.
	summary, err = NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.FilesQuarantined != 0 {
		t.Fatalf("re-quarantined %d files", summary.FilesQuarantined)
	}
}

func TestExportEmptyCache(t *testing.T) {
	fx := newFixture(t)
	adapter := &fakeAdapter{}
	summary, err := NewExporter(fx.dirs, fx.registry, adapter, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.ActivityRows+summary.InNetworkRows+summary.GraphRows+summary.FilesDeleted != 0 {
		t.Fatalf("empty cache produced output: %+v", summary)
	}
}
