// Package kafka consumes commit frames from a Kafka topic. Deployments
// that mirror the firehose into Kafka get replay and fan-out for free; the
// consumer sees the same frames it would from the socket source.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/stream"
)

type Config struct {
	Brokers  []string
	Topics   []string
	GroupID  string
	ClientID string
	// QueueCapacity bounds in-flight frames between the poll loop and the
	// consumer.
	QueueCapacity  int
	MaxPollRecords int
	Auth           AuthConfig
	Fetch          FetchConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// frameEnvelope is the JSON shape mirrored topics carry.
type frameEnvelope struct {
	Seq            int64                 `json:"seq"`
	Repo           string                `json:"repo"`
	TimeUTCNs      int64                 `json:"time_utc_ns"`
	Posts          []domain.PostRecord   `json:"posts,omitempty"`
	Likes          []domain.LikeRecord   `json:"likes,omitempty"`
	Follows        []domain.FollowRecord `json:"follows,omitempty"`
	DeletedPosts   []domain.DeleteRef    `json:"deleted_posts,omitempty"`
	DeletedLikes   []domain.DeleteRef    `json:"deleted_likes,omitempty"`
	DeletedFollows []domain.DeleteRef    `json:"deleted_follows,omitempty"`
}

type Source struct {
	cfg Config
	log *slog.Logger
}

func NewSource(cfg Config, log *slog.Logger) (*Source, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{cfg: cfg, log: log}, nil
}

// Subscribe joins the consumer group. The cursor argument is ignored: the
// group's committed offsets are the stream position, so a restart resumes
// from wherever the group left off.
func (s *Source) Subscribe(ctx context.Context, _ int64) (stream.Subscription, error) {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumerGroup(s.cfg.GroupID),
		kgo.ConsumeTopics(s.cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(s.cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(s.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(s.cfg.Fetch.MaxBytes),
	}
	if s.cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(s.cfg.ClientID))
	}
	if s.cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: s.cfg.Auth.TLS.InsecureSkipVerify}))
	}
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	sub := &subscription{
		cfg:    s.cfg,
		client: cl,
		frames: make(chan domain.CommitFrame, s.cfg.QueueCapacity),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		log:    s.log,
	}
	sub.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	sub.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	go sub.pollLoop(ctx)
	return sub, nil
}

type subscription struct {
	cfg    Config
	client *kgo.Client
	frames chan domain.CommitFrame
	errs   chan error
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
}

func (s *subscription) Frames() <-chan domain.CommitFrame { return s.frames }
func (s *subscription) Errs() <-chan error                { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	s.client.Close()
	return nil
}

func (s *subscription) pollLoop(ctx context.Context) {
	defer close(s.frames)
	defer close(s.errs)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		fetches := s.client.PollRecords(ctx, s.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			select {
			case s.errs <- errs[0].Err:
			case <-s.done:
			}
			return
		}
		delivered := false
		for it := fetches.RecordIter(); !it.Done(); {
			rec := it.Next()
			var env frameEnvelope
			if err := json.Unmarshal(rec.Value, &env); err != nil {
				// Bad messages are marked committed so the group
				// does not wedge on them.
				s.log.Warn("dropping undecodable kafka record",
					"topic", rec.Topic, "offset", rec.Offset, "err", err)
				s.markCommit(rec)
				continue
			}
			frame := domain.CommitFrame{
				Seq:            env.Seq,
				Repo:           env.Repo,
				TimeUTCNs:      env.TimeUTCNs,
				Posts:          env.Posts,
				Likes:          env.Likes,
				Follows:        env.Follows,
				DeletedPosts:   env.DeletedPosts,
				DeletedLikes:   env.DeletedLikes,
				DeletedFollows: env.DeletedFollows,
			}
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case s.frames <- frame:
				s.markCommit(rec)
				delivered = true
			}
		}
		if delivered {
			if err := s.commitMarked(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("offset commit failed", "err", err)
			}
		}
	}
}
