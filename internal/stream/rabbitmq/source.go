// Package rabbitmq consumes commit frames from an AMQP queue. Like the
// kafka source it serves deployments that mirror the firehose into a
// broker; the queue position is the cursor, so the Subscribe cursor
// argument is ignored.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/stream"
)

type Config struct {
	URL           string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	QueueCapacity int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "firehosed-rabbitmq"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 256
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq.exchange is required")
	}
	if c.Queue == "" {
		return errors.New("rabbitmq.queue is required")
	}
	return nil
}

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

func (s *Source) Subscribe(ctx context.Context, _ int64) (stream.Subscription, error) {
	dialCfg := amqp091.Config{}
	if s.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: s.cfg.Auth.Username, Password: s.cfg.Auth.Password}}
	}
	if s.cfg.TLS.Enabled {
		dialCfg.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: s.cfg.TLS.InsecureSkipVerify,
			ServerName:         s.cfg.TLS.ServerName,
		}
	}
	conn, err := amqp091.DialConfig(s.cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := s.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(s.cfg.Queue, key, s.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(s.cfg.Queue, s.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}

	sub := &subscription{
		cfg:     s.cfg,
		conn:    conn,
		ch:      ch,
		deliver: deliveries,
		frames:  make(chan domain.CommitFrame, s.cfg.QueueCapacity),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		log:     s.log,
	}
	go sub.readLoop(ctx)
	return sub, nil
}

type subscription struct {
	cfg     Config
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery
	frames  chan domain.CommitFrame
	errs    chan error
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
}

func (s *subscription) Frames() <-chan domain.CommitFrame { return s.frames }
func (s *subscription) Errs() <-chan error                { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	_ = s.ch.Cancel(s.cfg.ConsumerTag, false)
	var errs []error
	if err := s.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// readLoop decodes deliveries in order. A frame is acked only after the
// consumer has taken it, so unprocessed frames return to the queue on a
// crash.
func (s *subscription) readLoop(ctx context.Context) {
	defer close(s.frames)
	defer close(s.errs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case d, ok := <-s.deliver:
			if !ok {
				select {
				case s.errs <- errors.New("rabbitmq delivery channel closed"):
				case <-s.done:
				}
				return
			}
			var env frameEnvelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				s.log.Warn("rejecting undecodable rabbitmq message", "err", err)
				_ = d.Nack(false, false)
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
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			case <-s.done:
				_ = d.Nack(false, true)
				return
			case s.frames <- frame:
				_ = d.Ack(false)
			}
		}
	}
}
