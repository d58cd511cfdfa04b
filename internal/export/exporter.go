// Package export drains the on-disk cache into the warehouse. It runs as a
// schedulable job and is safe to run alongside a live consumer: it deletes
// only files it has durably exported, and new writes always land in
// newly-named files.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/cache"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/handlers"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/warehouse"
)

// Summary reports one export run.
type Summary struct {
	ActivityRows     int
	InNetworkRows    int
	GraphRows        int
	FilesDeleted     int
	FilesQuarantined int
	FailedTables     []string
}

type Exporter struct {
	dirs     *cache.DirManager
	registry *handlers.Registry
	adapter  warehouse.Adapter
	log      *slog.Logger
	now      func() time.Time
}

func NewExporter(dirs *cache.DirManager, registry *handlers.Registry, adapter warehouse.Adapter, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{dirs: dirs, registry: registry, adapter: adapter, log: log, now: time.Now}
}

// destination groups the rows and source files bound for one table, so a
// failed table keeps its files for the next cycle without blocking others.
type destination struct {
	name     string
	sources  []string
	activity []warehouse.ActivityRow
	network  []warehouse.InNetworkRow
	graph    []warehouse.GraphRow
}

// Run reads every cached record, writes each destination table, deletes
// exactly the source files behind successful writes, and rebuilds the
// cache skeleton.
func (e *Exporter) Run(ctx context.Context) (Summary, error) {
	partition := e.now().UTC().Format(time.DateOnly)

	dests := map[string]*destination{
		"study_user_activity":      {name: "study_user_activity"},
		"in_network_user_activity": {name: "in_network_user_activity"},
		"social_graph":             {name: "social_graph"},
	}

	var summary Summary
	for _, op := range []domain.Operation{domain.OperationCreate, domain.OperationDelete} {
		for _, kind := range domain.AllKinds {
			h, err := e.registry.Lookup(kind)
			if err != nil {
				return Summary{}, err
			}
			envs, paths, corrupt, err := h.ReadAll(op)
			if err != nil {
				return Summary{}, fmt.Errorf("read cached %s/%s: %w", op, kind, err)
			}
			summary.FilesQuarantined += e.quarantine(corrupt)
			if len(envs) == 0 {
				continue
			}
			dest := dests[destinationFor(kind)]
			dest.sources = append(dest.sources, paths...)
			for _, env := range envs {
				if err := e.appendRow(dest, env, partition); err != nil {
					e.log.Warn("skipping unmappable cached record",
						"kind", env.Kind, "operation", env.Operation, "err", err)
				}
			}
		}
	}

	for _, dest := range dests {
		n, err := e.writeDestination(ctx, dest)
		if err != nil {
			// Keep this table's source files so the next cycle
			// retries the same data; other tables proceed.
			e.log.Error("export failed for destination", "table", dest.name, "err", err)
			summary.FailedTables = append(summary.FailedTables, dest.name)
			continue
		}
		switch dest.name {
		case "study_user_activity":
			summary.ActivityRows += n
		case "in_network_user_activity":
			summary.InNetworkRows += n
		case "social_graph":
			summary.GraphRows += n
		}
		deleted := e.deleteSources(dest.sources)
		summary.FilesDeleted += deleted
	}

	if err := e.dirs.RebuildAll(); err != nil {
		return summary, err
	}
	e.log.Info("export complete",
		"activity_rows", summary.ActivityRows,
		"in_network_rows", summary.InNetworkRows,
		"graph_rows", summary.GraphRows,
		"files_deleted", summary.FilesDeleted,
		"files_quarantined", summary.FilesQuarantined,
		"failed_tables", len(summary.FailedTables))
	return summary, nil
}

// quarantine moves undecodable batch files aside under a .corrupt suffix so
// later cycles stop retrying them. The data stays on disk for inspection.
func (e *Exporter) quarantine(paths []string) int {
	moved := 0
	for _, p := range paths {
		dst := p + ".corrupt"
		if err := os.Rename(p, dst); err != nil {
			e.log.Error("failed to quarantine batch file", "path", p, "err", err)
			continue
		}
		e.log.Warn("quarantined unreadable batch file", "path", dst)
		moved++
	}
	return moved
}

func destinationFor(kind domain.RecordKind) string {
	switch kind {
	case domain.KindFollow:
		return "social_graph"
	case domain.KindInNetworkPost:
		return "in_network_user_activity"
	default:
		return "study_user_activity"
	}
}

func (e *Exporter) appendRow(dest *destination, env domain.CacheEnvelope, partition string) error {
	switch env.Kind {
	case domain.KindFollow:
		var rec domain.FollowRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		dest.graph = append(dest.graph, warehouse.GraphRow{
			OwnerDID:      env.OwnerDID,
			FollowerDID:   rec.AuthorDID,
			FolloweeDID:   rec.SubjectDID,
			URI:           rec.URI,
			Relation:      string(env.Relation),
			CreatedAt:     rec.CreatedAt,
			PartitionDate: partition,
		})
	case domain.KindInNetworkPost:
		var rec domain.PostRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		dest.network = append(dest.network, warehouse.InNetworkRow{
			AuthorDID:     rec.AuthorDID,
			URI:           rec.URI,
			Text:          rec.Text,
			CreatedAt:     rec.CreatedAt,
			Operation:     string(env.Operation),
			PartitionDate: partition,
		})
	case domain.KindLike, domain.KindLikeOnUserPost:
		var rec domain.LikeRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		dest.activity = append(dest.activity, warehouse.ActivityRow{
			Kind:          string(env.Kind),
			OwnerDID:      env.OwnerDID,
			AuthorDID:     rec.AuthorDID,
			URI:           rec.URI,
			SubjectURI:    rec.SubjectURI,
			CreatedAt:     rec.CreatedAt,
			Operation:     string(env.Operation),
			PartitionDate: partition,
		})
	case domain.KindPost, domain.KindReplyToUserPost:
		var rec domain.PostRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		subject := rec.ReplyParent
		if subject == "" {
			subject = rec.ReplyRoot
		}
		dest.activity = append(dest.activity, warehouse.ActivityRow{
			Kind:          string(env.Kind),
			OwnerDID:      env.OwnerDID,
			AuthorDID:     rec.AuthorDID,
			URI:           rec.URI,
			SubjectURI:    subject,
			Text:          rec.Text,
			CreatedAt:     rec.CreatedAt,
			Operation:     string(env.Operation),
			PartitionDate: partition,
		})
	default:
		return fmt.Errorf("no destination mapping for kind %q", env.Kind)
	}
	return nil
}

func (e *Exporter) writeDestination(ctx context.Context, dest *destination) (int, error) {
	switch dest.name {
	case "study_user_activity":
		if len(dest.activity) == 0 {
			return 0, nil
		}
		return e.adapter.WriteActivity(ctx, dest.activity)
	case "in_network_user_activity":
		if len(dest.network) == 0 {
			return 0, nil
		}
		return e.adapter.WriteInNetwork(ctx, dest.network)
	case "social_graph":
		if len(dest.graph) == 0 {
			return 0, nil
		}
		return e.adapter.WriteGraph(ctx, dest.graph)
	}
	return 0, fmt.Errorf("unknown destination %q", dest.name)
}

// deleteSources removes exactly the files that were read, never the
// directory: a live consumer may have flushed new batches since.
func (e *Exporter) deleteSources(paths []string) int {
	deleted := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			e.log.Warn("failed to delete exported batch file", "path", p, "err", err)
			continue
		}
		deleted++
	}
	return deleted
}
