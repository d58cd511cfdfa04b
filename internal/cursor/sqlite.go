package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const cursorSchema = `
CREATE TABLE IF NOT EXISTS subscription_state (
	service TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	observed_at_utc_ns INTEGER NOT NULL
);
`

// SQLiteStore keeps cursor state in a local sqlite database with WAL
// journaling, so a crash between saves loses at most one update window.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
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
	if _, err := db.Exec(cursorSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, service string) (State, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT service, position, observed_at_utc_ns
FROM subscription_state
WHERE service = ?`, service)
	var st State
	var observedNs int64
	err := row.Scan(&st.Service, &st.Position, &observedNs)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	st.ObservedAt = time.Unix(0, observedNs).UTC()
	return st, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state State) error {
	if state.Service == "" {
		return fmt.Errorf("cursor state requires a service name")
	}
	observed := state.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subscription_state(service, position, observed_at_utc_ns)
VALUES(?, ?, ?)
ON CONFLICT(service)
DO UPDATE SET position=excluded.position, observed_at_utc_ns=excluded.observed_at_utc_ns`,
		state.Service, state.Position, observed.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", state.Service, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
