package cursor

import (
	"context"
	"time"
)

// State is the resumable position of one stream subscription, keyed by
// service name.
type State struct {
	Service    string
	Position   int64
	ObservedAt time.Time
}

// Store persists subscription positions. Load returns ok=false when no
// state has ever been saved for the service.
type Store interface {
	Load(ctx context.Context, service string) (State, bool, error)
	Save(ctx context.Context, state State) error
	Close() error
}
