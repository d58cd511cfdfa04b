package stream

import (
	"context"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
)

// FrameSource is an upstream supplier of commit frames. Implementations
// live in the subpackages; each manages its own transport connection and
// surfaces decoded frames through a Subscription.
type FrameSource interface {
	// Subscribe opens a stream starting after cursor (0 means live tail
	// from wherever the source chooses). Subscribe returning an error is
	// a connect failure the consumer retries with backoff.
	Subscribe(ctx context.Context, cursor int64) (Subscription, error)
}

// Subscription is one live stream of frames. Frames and Errs are owned by
// the subscription; both close after Close or a terminal stream error.
type Subscription interface {
	Frames() <-chan domain.CommitFrame
	Errs() <-chan error
	Close() error
}
