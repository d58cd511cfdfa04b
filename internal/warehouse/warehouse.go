// Package warehouse defines the durable tabular destination the exporter
// writes to. Writes are additive and deduped on each table's uniqueness
// key, which is what makes re-exporting the same cache batch idempotent.
package warehouse

import "context"

// ActivityRow is one study-user activity record: a post, like, reply to a
// tracked post, or like on a tracked post.
type ActivityRow struct {
	Kind          string
	OwnerDID      string
	AuthorDID     string
	URI           string
	SubjectURI    string
	Text          string
	CreatedAt     string
	Operation     string
	PartitionDate string
}

// InNetworkRow is one post authored by an in-network account.
type InNetworkRow struct {
	AuthorDID     string
	URI           string
	Text          string
	CreatedAt     string
	Operation     string
	PartitionDate string
}

// GraphRow is one social-graph edge observed through a follow event.
type GraphRow struct {
	OwnerDID      string
	FollowerDID   string
	FolloweeDID   string
	URI           string
	Relation      string
	CreatedAt     string
	PartitionDate string
}

// Adapter writes export batches to the three destination tables. Each call
// returns the number of rows actually inserted, which is less than
// len(rows) when a retry replays rows already present.
type Adapter interface {
	WriteActivity(ctx context.Context, rows []ActivityRow) (int, error)
	WriteInNetwork(ctx context.Context, rows []InNetworkRow) (int, error)
	WriteGraph(ctx context.Context, rows []GraphRow) (int, error)
	Close() error
}
