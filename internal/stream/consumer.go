// Package stream runs the firehose consumer: a single-goroutine loop that
// pulls commit frames from a FrameSource, classifies every record through
// the membership oracle, and hands routing decisions to the cache handlers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/cursor"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/handlers"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/membership"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/processors"
)

// State is the consumer lifecycle phase, readable from other goroutines.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Summary counts one consumer run. Deletes are counted but never routed:
// a delete carries only the record URI, which is not enough to attribute
// the record to a study user.
type Summary struct {
	Frames         int64
	RecordsCached  int64
	RecordErrors   int64
	DeletesSkipped int64
	Reconnects     int64
}

type Config struct {
	// CursorService keys the saved stream position.
	CursorService string
	// CursorEvery is the number of frames between cursor saves.
	CursorEvery int
	// ReconnectBackoff is the fixed wait between subscribe attempts.
	ReconnectBackoff time.Duration
	// MaxWriteFailures is the number of consecutive cache write failures
	// tolerated before the run aborts.
	MaxWriteFailures int
}

func (c Config) withDefaults() Config {
	if c.CursorService == "" {
		c.CursorService = "firehose"
	}
	if c.CursorEvery <= 0 {
		c.CursorEvery = 20000
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.MaxWriteFailures <= 0 {
		c.MaxWriteFailures = 5
	}
	return c
}

type Consumer struct {
	source   FrameSource
	oracle   membership.Oracle
	registry *handlers.Registry
	cursors  cursor.Store
	cfg      Config
	log      *slog.Logger

	posts   processors.PostProcessor
	likes   processors.LikeProcessor
	follows processors.FollowProcessor

	state         atomic.Int32
	summary       Summary
	writeFailures int
	onTrackedPost func(uri, did string)
}

func NewConsumer(source FrameSource, oracle membership.Oracle, registry *handlers.Registry, cursors cursor.Store, cfg Config, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		source:   source,
		oracle:   oracle,
		registry: registry,
		cursors:  cursors,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

// OnTrackedPost registers a hook invoked the first time a tracked user's
// post is seen, so the post-author mapping can outlive the process.
func (c *Consumer) OnTrackedPost(fn func(uri, did string)) {
	c.onTrackedPost = fn
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run streams until ctx is cancelled or a cache failure proves persistent.
// Frames are processed on this goroutine only, so cursor saves always cover
// fully-cached frames.
func (c *Consumer) Run(ctx context.Context) (Summary, error) {
	defer c.setState(StateStopped)

	pos, found, err := c.cursors.Load(ctx, c.cfg.CursorService)
	if err != nil {
		return c.summary, fmt.Errorf("load cursor: %w", err)
	}
	seq := int64(0)
	if found {
		seq = pos.Position
		c.log.Info("resuming from saved cursor", "service", c.cfg.CursorService, "position", seq)
	}

	for {
		c.setState(StateConnecting)
		sub, err := c.source.Subscribe(ctx, seq)
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(seq)
			}
			c.summary.Reconnects++
			c.setState(StateReconnecting)
			c.log.Warn("subscribe failed, backing off", "err", err, "backoff", c.cfg.ReconnectBackoff)
			select {
			case <-ctx.Done():
				return c.finish(seq)
			case <-time.After(c.cfg.ReconnectBackoff):
			}
			continue
		}

		c.setState(StateStreaming)
		seq, err = c.stream(ctx, sub, seq)
		_ = sub.Close()
		if err != nil {
			c.saveCursor(ctx, seq)
			return c.summary, err
		}
		if ctx.Err() != nil {
			return c.finish(seq)
		}
		c.summary.Reconnects++
		c.setState(StateReconnecting)
		c.log.Warn("stream ended, reconnecting", "position", seq, "backoff", c.cfg.ReconnectBackoff)
		select {
		case <-ctx.Done():
			return c.finish(seq)
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

// stream drains one subscription. It returns the last fully-processed
// sequence; a nil error means the subscription ended and the caller should
// reconnect.
func (c *Consumer) stream(ctx context.Context, sub Subscription, seq int64) (int64, error) {
	sinceSave := 0
	for {
		select {
		case <-ctx.Done():
			return seq, nil
		case err, ok := <-sub.Errs():
			if !ok || err == nil {
				return seq, nil
			}
			c.log.Warn("stream error", "err", err)
			return seq, nil
		case frame, ok := <-sub.Frames():
			if !ok {
				return seq, nil
			}
			if err := c.processFrame(frame); err != nil {
				return seq, err
			}
			seq = frame.Seq
			c.summary.Frames++
			sinceSave++
			if sinceSave >= c.cfg.CursorEvery {
				c.saveCursor(ctx, seq)
				sinceSave = 0
			}
		}
	}
}

// processFrame routes every record in one commit frame. Record-level
// failures are logged and counted so one bad record never stalls the
// stream; cache write failures abort once they look persistent.
func (c *Consumer) processFrame(frame domain.CommitFrame) error {
	for _, rec := range frame.Posts {
		raw, err := c.posts.Transform(rec)
		if err != nil {
			c.recordError("post", frame.Repo, err)
			continue
		}
		decisions := c.posts.Decisions(rec, domain.OperationCreate, c.oracle)
		if err := c.cacheDecisions(decisions, raw); err != nil {
			return err
		}
		if c.oracle.IsTrackedUser(rec.AuthorDID) {
			c.rememberPost(rec.URI, rec.AuthorDID)
		}
	}
	for _, rec := range frame.Likes {
		raw, err := c.likes.Transform(rec)
		if err != nil {
			c.recordError("like", frame.Repo, err)
			continue
		}
		if err := c.cacheDecisions(c.likes.Decisions(rec, domain.OperationCreate, c.oracle), raw); err != nil {
			return err
		}
	}
	for _, rec := range frame.Follows {
		raw, err := c.follows.Transform(rec)
		if err != nil {
			c.recordError("follow", frame.Repo, err)
			continue
		}
		if err := c.cacheDecisions(c.follows.Decisions(rec, domain.OperationCreate, c.oracle), raw); err != nil {
			return err
		}
	}
	skipped := len(frame.DeletedPosts) + len(frame.DeletedLikes) + len(frame.DeletedFollows)
	c.summary.DeletesSkipped += int64(skipped)
	return nil
}

func (c *Consumer) cacheDecisions(decisions []domain.RoutingDecision, record json.RawMessage) error {
	for _, d := range decisions {
		h, err := c.registry.Lookup(d.Kind)
		if err != nil {
			c.recordError(string(d.Kind), d.OwnerDID, err)
			continue
		}
		env := domain.CacheEnvelope{
			Kind:      d.Kind,
			Operation: domain.OperationCreate,
			OwnerDID:  d.OwnerDID,
			Filename:  d.Filename,
			Relation:  d.Relation,
			Meta:      d.Meta,
			Record:    record,
		}
		if err := h.Write(env); err != nil {
			c.writeFailures++
			c.log.Error("cache write failed", "kind", d.Kind, "failures", c.writeFailures, "err", err)
			if c.writeFailures >= c.cfg.MaxWriteFailures {
				return fmt.Errorf("cache writes failing persistently: %w", err)
			}
			continue
		}
		c.writeFailures = 0
		c.summary.RecordsCached++
	}
	return nil
}

// rememberPost teaches the oracle which tracked user authored a post so
// later likes and replies against it can be attributed.
func (c *Consumer) rememberPost(uri, did string) {
	if m, ok := c.oracle.(interface{ MapPostToTracked(uri, did string) }); ok {
		m.MapPostToTracked(uri, did)
	}
	if c.onTrackedPost != nil {
		c.onTrackedPost(uri, did)
	}
}

func (c *Consumer) recordError(kind, repo string, err error) {
	c.summary.RecordErrors++
	c.log.Warn("skipping malformed record", "record_kind", kind, "repo", repo, "err", err)
}

func (c *Consumer) saveCursor(ctx context.Context, seq int64) {
	if seq == 0 {
		return
	}
	st := cursor.State{Service: c.cfg.CursorService, Position: seq, ObservedAt: time.Now().UTC()}
	if err := c.cursors.Save(ctx, st); err != nil {
		c.log.Error("cursor save failed", "position", seq, "err", err)
		return
	}
	c.log.Debug("cursor saved", "position", seq)
}

func (c *Consumer) finish(seq int64) (Summary, error) {
	c.saveCursor(context.Background(), seq)
	c.log.Info("consumer stopped",
		"frames", c.summary.Frames,
		"records_cached", c.summary.RecordsCached,
		"record_errors", c.summary.RecordErrors,
		"deletes_skipped", c.summary.DeletesSkipped,
		"reconnects", c.summary.Reconnects)
	return c.summary, nil
}
