package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/cache"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/config"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/cursor"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/export"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/handlers"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/membership"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/stream"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/stream/kafka"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/stream/rabbitmq"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/stream/socket"
	whsqlite "github.com/METResearchGroup/bluesky-research-sub002/internal/warehouse/sqlite"
)

func main() {
	cfgPath := flag.String("config", "firehosed.yaml", "path to config file")
	mode := flag.String("mode", "stream", "stream | export")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "stream":
		err = runStream(ctx, cfg, log)
	case "export":
		err = runExport(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Error("firehosed exited with error", "mode", *mode, "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runStream(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	resolver := cache.NewResolver(cfg.Cache.Root)
	dirs := cache.NewDirManager(resolver)
	if err := dirs.RebuildAll(); err != nil {
		return fmt.Errorf("create cache skeleton: %w", err)
	}

	writer := cache.NewWriter(dirs, cache.WriterConfig{
		MaxBatchSize:  cfg.Cache.MaxBatchSize,
		FlushInterval: cfg.Cache.FlushInterval,
	}, log)
	registry := handlers.NewRegistry(resolver, writer)

	oracle, err := membership.LoadFromSQLite(ctx, cfg.Membership.Path)
	if err != nil {
		return fmt.Errorf("load membership: %w", err)
	}
	tracked, inNetwork, _ := oracle.Counts()
	log.Info("membership loaded", "tracked_users", tracked, "in_network_users", inNetwork)

	cursors, err := cursor.NewSQLiteStore(cfg.CursorDBPath)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close()

	source, err := buildSource(cfg, log)
	if err != nil {
		return err
	}

	recorder, err := membership.OpenRecorder(ctx, cfg.Membership.Path)
	if err != nil {
		return fmt.Errorf("open participant recorder: %w", err)
	}
	defer recorder.Close()

	consumer := stream.NewConsumer(source, oracle, registry, cursors, stream.Config{
		CursorService:    cfg.Stream.CursorService,
		CursorEvery:      cfg.Stream.CursorEvery,
		ReconnectBackoff: cfg.Stream.ReconnectBackoff,
		MaxWriteFailures: cfg.Stream.MaxWriteFailures,
	}, log)
	consumer.OnTrackedPost(func(uri, did string) {
		if err := recorder.SaveTrackedPost(ctx, uri, did); err != nil {
			log.Warn("failed to persist tracked post mapping", "uri", uri, "err", err)
		}
	})

	go writer.Run(ctx)

	_, err = consumer.Run(ctx)
	if flushErr := writer.FlushAll(); flushErr != nil {
		log.Error("final flush failed", "err", flushErr)
	}
	return err
}

func runExport(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	resolver := cache.NewResolver(cfg.Cache.Root)
	dirs := cache.NewDirManager(resolver)
	writer := cache.NewWriter(dirs, cache.WriterConfig{}, log)
	registry := handlers.NewRegistry(resolver, writer)

	adapter, err := whsqlite.NewStore(cfg.Warehouse.Path)
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	defer adapter.Close()

	exporter := export.NewExporter(dirs, registry, adapter, log)
	if cfg.Export.Interval <= 0 {
		return exportOnce(ctx, exporter)
	}

	ticker := time.NewTicker(cfg.Export.Interval)
	defer ticker.Stop()
	for {
		if err := exportOnce(ctx, exporter); err != nil {
			log.Error("export cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func exportOnce(ctx context.Context, exporter *export.Exporter) error {
	summary, err := exporter.Run(ctx)
	if err != nil {
		return err
	}
	if n := len(summary.FailedTables); n > 0 {
		return fmt.Errorf("%d destination table(s) failed; their batch files were kept for retry", n)
	}
	return nil
}

func buildSource(cfg config.Config, log *slog.Logger) (stream.FrameSource, error) {
	switch {
	case cfg.Source.Socket.Enabled:
		return socket.NewSource(socket.Config{
			Addr:              cfg.Source.Socket.Addr,
			WantedCollections: cfg.Source.Socket.WantedCollections,
			DialTimeout:       10 * time.Second,
		}, log)
	case cfg.Source.Kafka.Enabled:
		return kafka.NewSource(kafka.Config{
			Brokers: cfg.Source.Kafka.Brokers,
			Topics:  cfg.Source.Kafka.Topics,
			GroupID: cfg.Source.Kafka.GroupID,
		}, log)
	case cfg.Source.RabbitMQ.Enabled:
		return rabbitmq.NewSource(rabbitmq.Config{
			URL:      cfg.Source.RabbitMQ.URL,
			Exchange: cfg.Source.RabbitMQ.Exchange,
			Queue:    cfg.Source.RabbitMQ.Queue,
		}, log)
	}
	return nil, fmt.Errorf("no source enabled")
}
