package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/warehouse"

	_ "modernc.org/sqlite"
)

const warehouseSchema = `
CREATE TABLE IF NOT EXISTS study_user_activity (
	record_kind TEXT NOT NULL,
	owner_did TEXT NOT NULL,
	author_did TEXT NOT NULL,
	uri TEXT NOT NULL,
	subject_uri TEXT,
	text TEXT,
	created_at TEXT,
	operation TEXT NOT NULL,
	partition_date TEXT NOT NULL,
	UNIQUE(record_kind, owner_did, uri, operation)
);

CREATE INDEX IF NOT EXISTS idx_activity_partition ON study_user_activity(partition_date, record_kind);

CREATE TABLE IF NOT EXISTS in_network_user_activity (
	author_did TEXT NOT NULL,
	uri TEXT NOT NULL,
	text TEXT,
	created_at TEXT,
	operation TEXT NOT NULL,
	partition_date TEXT NOT NULL,
	UNIQUE(uri, operation)
);

CREATE INDEX IF NOT EXISTS idx_in_network_partition ON in_network_user_activity(partition_date);

CREATE TABLE IF NOT EXISTS social_graph (
	owner_did TEXT NOT NULL,
	follower_did TEXT NOT NULL,
	followee_did TEXT NOT NULL,
	uri TEXT NOT NULL,
	relation TEXT NOT NULL,
	created_at TEXT,
	partition_date TEXT NOT NULL,
	UNIQUE(uri, relation)
);

CREATE INDEX IF NOT EXISTS idx_graph_partition ON social_graph(partition_date);
`

// Store is the sqlite warehouse backend. Each destination table carries an
// explicit column set and a partition_date derived from the export
// timestamp; inserts dedupe on the table's uniqueness key.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open warehouse db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(warehouseSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) WriteActivity(ctx context.Context, rows []warehouse.ActivityRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
INSERT INTO study_user_activity(
	record_kind, owner_did, author_did, uri, subject_uri,
	text, created_at, operation, partition_date
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(record_kind, owner_did, uri, operation) DO NOTHING`,
			r.Kind, r.OwnerDID, r.AuthorDID, r.URI, nullable(r.SubjectURI),
			nullable(r.Text), nullable(r.CreatedAt), r.Operation, r.PartitionDate)
		if err != nil {
			return 0, fmt.Errorf("insert activity row %s: %w", r.URI, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) WriteInNetwork(ctx context.Context, rows []warehouse.InNetworkRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
INSERT INTO in_network_user_activity(
	author_did, uri, text, created_at, operation, partition_date
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(uri, operation) DO NOTHING`,
			r.AuthorDID, r.URI, nullable(r.Text), nullable(r.CreatedAt), r.Operation, r.PartitionDate)
		if err != nil {
			return 0, fmt.Errorf("insert in-network row %s: %w", r.URI, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) WriteGraph(ctx context.Context, rows []warehouse.GraphRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
INSERT INTO social_graph(
	owner_did, follower_did, followee_did, uri, relation, created_at, partition_date
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uri, relation) DO NOTHING`,
			r.OwnerDID, r.FollowerDID, r.FolloweeDID, r.URI, r.Relation, nullable(r.CreatedAt), r.PartitionDate)
		if err != nil {
			return 0, fmt.Errorf("insert graph row %s: %w", r.URI, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ActivityCount reports rows in study_user_activity, used by operational
// checks and tests.
func (s *Store) ActivityCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM study_user_activity`).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
