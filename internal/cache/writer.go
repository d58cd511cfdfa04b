package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
)

// Writer buffers cache envelopes per target directory and flushes each
// batch as one newline-delimited JSON file. A batch flushes when it reaches
// MaxBatchSize records or when FlushInterval has elapsed since its first
// unflushed record, whichever comes first.
type Writer struct {
	dirs     *DirManager
	maxBatch int
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	batches map[string]*batch
}

type batch struct {
	mu      sync.Mutex
	records []domain.CacheEnvelope
	firstAt time.Time
}

type WriterConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
}

func (c *WriterConfig) withDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
}

func NewWriter(dirs *DirManager, cfg WriterConfig, log *slog.Logger) *Writer {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		dirs:     dirs,
		maxBatch: cfg.MaxBatchSize,
		interval: cfg.FlushInterval,
		log:      log,
		batches:  make(map[string]*batch),
	}
}

// Append enqueues env for dir. The write hits disk when the batch fills or
// its deadline elapses; a full batch flushes inline and the I/O error, if
// any, propagates to this caller.
func (w *Writer) Append(dir string, env domain.CacheEnvelope) error {
	b := w.batchFor(dir)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		b.firstAt = time.Now()
	}
	b.records = append(b.records, env)
	if len(b.records) >= w.maxBatch {
		return w.flushLocked(dir, b)
	}
	return nil
}

// FlushAll forces every pending batch to disk synchronously.
func (w *Writer) FlushAll() error {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.batches))
	for dir := range w.batches {
		dirs = append(dirs, dir)
	}
	w.mu.Unlock()

	for _, dir := range dirs {
		b := w.batchFor(dir)
		b.mu.Lock()
		err := w.flushLocked(dir, b)
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Run drives time-based flushes until ctx is cancelled, then flushes
// whatever is pending so buffered records are not lost on shutdown.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.FlushAll(); err != nil {
				w.log.Error("final cache flush failed", "err", err)
			}
			return
		case <-ticker.C:
			w.flushExpired()
		}
	}
}

// Pending reports the number of unflushed records across all batches.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		b.mu.Lock()
		n += len(b.records)
		b.mu.Unlock()
	}
	return n
}

func (w *Writer) batchFor(dir string) *batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.batches[dir]
	if !ok {
		b = &batch{}
		w.batches[dir] = b
	}
	return b
}

func (w *Writer) flushExpired() {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.batches))
	for dir := range w.batches {
		dirs = append(dirs, dir)
	}
	w.mu.Unlock()

	now := time.Now()
	for _, dir := range dirs {
		b := w.batchFor(dir)
		b.mu.Lock()
		if len(b.records) > 0 && now.Sub(b.firstAt) >= w.interval {
			if err := w.flushLocked(dir, b); err != nil {
				w.log.Error("timed cache flush failed", "dir", dir, "err", err)
			}
		}
		b.mu.Unlock()
	}
}

// flushLocked writes the batch to a uniquely named file. The caller holds
// b.mu. On failure the records stay buffered for the next attempt.
//
// The write is staged through a .tmp name and renamed into place only after
// a successful sync, so readers never observe a half-written .jsonl file.
func (w *Writer) flushLocked(dir string, b *batch) error {
	if len(b.records) == 0 {
		return nil
	}
	if err := w.dirs.EnsureExists(dir); err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s.jsonl", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open batch file %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	for _, rec := range b.records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode batch record to %s: %w", tmp, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync batch file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close batch file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish batch file %s: %w", path, err)
	}
	b.records = nil
	b.firstAt = time.Time{}
	return nil
}

// ReadEnvelopes loads every envelope from one batch file.
func ReadEnvelopes(path string) ([]domain.CacheEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file %s: %w", path, err)
	}
	var out []domain.CacheEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var env domain.CacheEnvelope
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("decode batch record in %s: %w", path, err)
		}
		out = append(out, env)
	}
	return out, nil
}
