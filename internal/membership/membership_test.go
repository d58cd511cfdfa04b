package membership

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestSetOracleMembership(t *testing.T) {
	o := NewSetOracle()
	o.AddTracked("did:plc:alice", "did:plc:bob")
	o.AddInNetwork("did:plc:carol")

	if !o.IsTrackedUser("did:plc:alice") || !o.IsTrackedUser("did:plc:bob") {
		t.Fatal("tracked users not found")
	}
	if o.IsTrackedUser("did:plc:carol") {
		t.Fatal("in-network user reported as tracked")
	}
	if !o.IsInNetworkUser("did:plc:carol") {
		t.Fatal("in-network user not found")
	}
	if o.IsInNetworkUser("did:plc:alice") {
		t.Fatal("tracked user reported as in-network")
	}
}

func TestTrackedAuthorOf(t *testing.T) {
	o := NewSetOracle()
	o.AddTracked("did:plc:alice")
	o.MapPostToTracked("at://did:plc:alice/app.bsky.feed.post/p1", "did:plc:alice")

	did, ok := o.TrackedAuthorOf("at://did:plc:alice/app.bsky.feed.post/p1")
	if !ok || did != "did:plc:alice" {
		t.Fatalf("got %q,%t", did, ok)
	}
	if _, ok := o.TrackedAuthorOf("at://did:plc:alice/app.bsky.feed.post/unknown"); ok {
		t.Fatal("unknown post attributed")
	}
}

func TestLoadFromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(participantSchema); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO study_users(did) VALUES('did:plc:alice'),('did:plc:bob')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO in_network_users(did) VALUES('did:plc:carol')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO tracked_posts(uri, author_did) VALUES('at://did:plc:alice/app.bsky.feed.post/p1','did:plc:alice')`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	o, err := LoadFromSQLite(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	tracked, inNetwork, mapped := o.Counts()
	if tracked != 2 || inNetwork != 1 || mapped != 1 {
		t.Fatalf("counts = %d/%d/%d", tracked, inNetwork, mapped)
	}
	if did, ok := o.TrackedAuthorOf("at://did:plc:alice/app.bsky.feed.post/p1"); !ok || did != "did:plc:alice" {
		t.Fatalf("tracked post lost in load: %q,%t", did, ok)
	}
}

func TestLoadFromSQLiteFreshDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	o, err := LoadFromSQLite(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	tracked, inNetwork, mapped := o.Counts()
	if tracked+inNetwork+mapped != 0 {
		t.Fatalf("fresh database not empty: %d/%d/%d", tracked, inNetwork, mapped)
	}
}

func TestRecorderIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.db")
	ctx := context.Background()
	rec, err := OpenRecorder(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := rec.SaveTrackedPost(ctx, "at://did:plc:alice/app.bsky.feed.post/p1", "did:plc:alice"); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	o, err := LoadFromSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	_, _, mapped := o.Counts()
	if mapped != 1 {
		t.Fatalf("mapped = %d, want 1", mapped)
	}
}
