package membership

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const participantSchema = `
CREATE TABLE IF NOT EXISTS study_users (
	did TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS in_network_users (
	did TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS tracked_posts (
	uri TEXT PRIMARY KEY,
	author_did TEXT NOT NULL
);
`

// LoadFromSQLite populates a SetOracle from the participant database the
// study tooling maintains. Missing tables are created empty so a fresh
// database loads cleanly.
func LoadFromSQLite(ctx context.Context, path string) (*SetOracle, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open participant db: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, participantSchema); err != nil {
		return nil, fmt.Errorf("init participant schema: %w", err)
	}

	o := NewSetOracle()
	if err := loadDIDs(ctx, db, `SELECT did FROM study_users`, o.AddTracked); err != nil {
		return nil, err
	}
	if err := loadDIDs(ctx, db, `SELECT did FROM in_network_users`, o.AddInNetwork); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT uri, author_did FROM tracked_posts`)
	if err != nil {
		return nil, fmt.Errorf("load tracked posts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uri, did string
		if err := rows.Scan(&uri, &did); err != nil {
			return nil, err
		}
		o.MapPostToTracked(uri, did)
	}
	return o, rows.Err()
}

// Recorder persists post-to-author mappings so the next process start can
// still attribute likes and replies on older posts.
type Recorder struct {
	db *sql.DB
}

func OpenRecorder(ctx context.Context, path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open participant db: %w", err)
	}
	if _, err := db.ExecContext(ctx, participantSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init participant schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) SaveTrackedPost(ctx context.Context, uri, did string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tracked_posts(uri, author_did) VALUES(?, ?)
ON CONFLICT(uri) DO NOTHING`, uri, did)
	return err
}

func (r *Recorder) Close() error { return r.db.Close() }

func loadDIDs(ctx context.Context, db *sql.DB, query string, add func(...string)) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("load did set: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return err
		}
		add(did)
	}
	return rows.Err()
}
