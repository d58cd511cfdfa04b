package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
)

func testEnvelope(i int) domain.CacheEnvelope {
	rec, _ := json.Marshal(map[string]string{"uri": fmt.Sprintf("at://did:plc:x/app.bsky.feed.post/%d", i)})
	return domain.CacheEnvelope{
		Kind:      domain.KindPost,
		Operation: domain.OperationCreate,
		OwnerDID:  "did:plc:x",
		Filename:  fmt.Sprintf("author_did=did:plc:x_post_uri_suffix=%d", i),
		Record:    rec,
	}
}

func listBatchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func TestWriterFlushesFullBatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "create", "post")
	w := NewWriter(NewDirManager(NewResolver(t.TempDir())), WriterConfig{MaxBatchSize: 500, FlushInterval: time.Hour}, nil)

	for i := 0; i < 10000; i++ {
		if err := w.Append(dir, testEnvelope(i)); err != nil {
			t.Fatal(err)
		}
	}

	files := listBatchFiles(t, dir)
	if len(files) != 20 {
		t.Fatalf("got %d batch files, want 20", len(files))
	}
	total := 0
	for _, f := range files {
		envs, err := ReadEnvelopes(f)
		if err != nil {
			t.Fatal(err)
		}
		if len(envs) != 500 {
			t.Fatalf("file %s holds %d records, want 500", f, len(envs))
		}
		total += len(envs)
	}
	if total != 10000 {
		t.Fatalf("got %d records back, want 10000", total)
	}
	if w.Pending() != 0 {
		t.Fatalf("%d records still pending", w.Pending())
	}
}

func TestWriterPartialBatchStaysBuffered(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "create", "post")
	w := NewWriter(NewDirManager(NewResolver(t.TempDir())), WriterConfig{MaxBatchSize: 500, FlushInterval: time.Hour}, nil)

	for i := 0; i < 499; i++ {
		if err := w.Append(dir, testEnvelope(i)); err != nil {
			t.Fatal(err)
		}
	}
	if files := listBatchFiles(t, dir); len(files) != 0 {
		t.Fatalf("partial batch flushed early: %v", files)
	}
	if w.Pending() != 499 {
		t.Fatalf("pending = %d, want 499", w.Pending())
	}

	if err := w.FlushAll(); err != nil {
		t.Fatal(err)
	}
	files := listBatchFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("got %d files after FlushAll, want 1", len(files))
	}
	envs, err := ReadEnvelopes(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 499 {
		t.Fatalf("got %d records, want 499", len(envs))
	}
}

func TestWriterTimedFlush(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "create", "post")
	w := NewWriter(NewDirManager(NewResolver(t.TempDir())), WriterConfig{MaxBatchSize: 500, FlushInterval: 20 * time.Millisecond}, nil)

	if err := w.Append(dir, testEnvelope(0)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(listBatchFiles(t, dir)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if files := listBatchFiles(t, dir); len(files) != 1 {
		t.Fatalf("timed flush produced %d files, want 1", len(files))
	}
}

func TestWriterRoundTripPreservesEnvelopes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "create", "follow", "follower")
	w := NewWriter(NewDirManager(NewResolver(t.TempDir())), WriterConfig{MaxBatchSize: 2, FlushInterval: time.Hour}, nil)

	in := domain.CacheEnvelope{
		Kind:      domain.KindFollow,
		Operation: domain.OperationCreate,
		OwnerDID:  "did:plc:alice",
		Filename:  "follower_did=did:plc:alice_followee_did=did:plc:bob",
		Relation:  domain.RelationFollower,
		Meta:      map[string]string{"subject_uri": "at://did:plc:bob"},
		Record:    json.RawMessage(`{"author_did":"did:plc:alice","subject_did":"did:plc:bob"}`),
	}
	if err := w.Append(dir, in); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(dir, in); err != nil {
		t.Fatal(err)
	}

	files := listBatchFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	envs, err := ReadEnvelopes(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	got := envs[0]
	if got.Kind != in.Kind || got.OwnerDID != in.OwnerDID || got.Relation != in.Relation {
		t.Fatalf("envelope mangled: %+v", got)
	}
	if got.Meta["subject_uri"] != "at://did:plc:bob" {
		t.Fatalf("meta lost: %+v", got.Meta)
	}
}

func TestWriterFileNamesAreUnique(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "create", "post")
	w := NewWriter(NewDirManager(NewResolver(t.TempDir())), WriterConfig{MaxBatchSize: 1, FlushInterval: time.Hour}, nil)

	for i := 0; i < 50; i++ {
		if err := w.Append(dir, testEnvelope(i)); err != nil {
			t.Fatal(err)
		}
	}
	files := listBatchFiles(t, dir)
	if len(files) != 50 {
		t.Fatalf("got %d files, want 50: collisions overwrite batches", len(files))
	}
}

// Flushes stage through a temp name and rename into place, so the batch
// directory only ever holds complete .jsonl files.
func TestWriterFlushPublishesAtomically(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "create", "post")
	w := NewWriter(NewDirManager(NewResolver(t.TempDir())), WriterConfig{MaxBatchSize: 5, FlushInterval: time.Hour}, nil)

	for i := 0; i < 25; i++ {
		if err := w.Append(dir, testEnvelope(i)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".jsonl" {
			t.Fatalf("staging file left in batch dir: %s", e.Name())
		}
	}
	for _, f := range listBatchFiles(t, dir) {
		envs, err := ReadEnvelopes(f)
		if err != nil {
			t.Fatalf("published file unreadable: %v", err)
		}
		if len(envs) != 5 {
			t.Fatalf("%s holds %d records, want a complete batch of 5", f, len(envs))
		}
	}
}

func TestDirManagerRebuildAndDelete(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(filepath.Join(root, "cache"))
	dm := NewDirManager(r)

	if err := dm.RebuildAll(); err != nil {
		t.Fatal(err)
	}
	for _, p := range r.SkeletonPaths() {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("skeleton path missing after rebuild: %s", p)
		}
	}

	if err := dm.DeleteAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(r.Root()); !os.IsNotExist(err) {
		t.Fatalf("root still present after DeleteAll: %v", err)
	}

	if err := dm.RebuildAll(); err != nil {
		t.Fatal(err)
	}
	for _, p := range r.SkeletonPaths() {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("skeleton path missing after second rebuild: %s", p)
		}
	}
}
