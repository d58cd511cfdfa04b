// Package handlers maps routing decisions to on-disk cache locations. A
// handler is the only component that knows how its kind nests; adding a new
// kind means adding a handler, not touching the resolver or the consumer.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/cache"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/processors"
)

var ErrUnknownKind = errors.New("unknown record kind")

// Handler writes and reads back cached records of one kind.
type Handler interface {
	Kind() domain.RecordKind
	Write(env domain.CacheEnvelope) error
	// ReadAll returns every cached envelope for the operation together
	// with the batch files they came from, so an exporter can delete
	// exactly what it read. Files that cannot be decoded are skipped and
	// returned in corrupt; their records are never reported and their
	// paths never appear in the readable set.
	ReadAll(op domain.Operation) (envs []domain.CacheEnvelope, paths, corrupt []string, err error)
}

// Registry is instance-scoped: built once at consumer startup and passed
// where needed, never package-global.
type Registry struct {
	handlers map[domain.RecordKind]Handler
}

func NewRegistry(resolver *cache.Resolver, writer *cache.Writer) *Registry {
	r := new(Registry)
	r.Register(&flatHandler{kind: domain.KindPost, resolver: resolver, writer: writer})
	r.Register(&flatHandler{kind: domain.KindInNetworkPost, resolver: resolver, writer: writer})
	r.Register(&nestedHandler{kind: domain.KindLike, resolver: resolver, writer: writer, nestKey: likeNestKey})
	r.Register(&nestedHandler{kind: domain.KindLikeOnUserPost, resolver: resolver, writer: writer, nestKey: likeNestKey})
	r.Register(&nestedHandler{kind: domain.KindReplyToUserPost, resolver: resolver, writer: writer, nestKey: replyNestKey})
	r.Register(&followHandler{resolver: resolver, writer: writer})
	return r
}

// Register installs a handler; the zero-value Registry is ready to use.
func (r *Registry) Register(h Handler) {
	if r.handlers == nil {
		r.handlers = make(map[domain.RecordKind]Handler)
	}
	r.handlers[h.Kind()] = h
}

// Lookup fails loudly for unregistered kinds instead of no-opping.
func (r *Registry) Lookup(kind domain.RecordKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return h, nil
}

func (r *Registry) Kinds() []domain.RecordKind {
	out := make([]domain.RecordKind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// flatHandler caches records directly under the kind directory.
type flatHandler struct {
	kind     domain.RecordKind
	resolver *cache.Resolver
	writer   *cache.Writer
}

func (h *flatHandler) Kind() domain.RecordKind { return h.kind }

func (h *flatHandler) Write(env domain.CacheEnvelope) error {
	dir, err := h.resolver.Resolve(env.Operation, h.kind, "")
	if err != nil {
		return err
	}
	return h.writer.Append(dir, env)
}

func (h *flatHandler) ReadAll(op domain.Operation) ([]domain.CacheEnvelope, []string, []string, error) {
	dir, err := h.resolver.Resolve(op, h.kind, "")
	if err != nil {
		if errors.Is(err, cache.ErrUnsupportedPath) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	return readBatchDir(dir)
}

// nestedHandler caches records one level deeper, keyed by a value the
// handler extracts from the envelope.
type nestedHandler struct {
	kind     domain.RecordKind
	resolver *cache.Resolver
	writer   *cache.Writer
	nestKey  func(domain.CacheEnvelope) (string, error)
}

func (h *nestedHandler) Kind() domain.RecordKind { return h.kind }

func (h *nestedHandler) Write(env domain.CacheEnvelope) error {
	key, err := h.nestKey(env)
	if err != nil {
		return fmt.Errorf("%s nesting key: %w", h.kind, err)
	}
	dir, err := h.resolver.Resolve(env.Operation, h.kind, key)
	if err != nil {
		return err
	}
	return h.writer.Append(dir, env)
}

func (h *nestedHandler) ReadAll(op domain.Operation) ([]domain.CacheEnvelope, []string, []string, error) {
	base, err := h.resolver.KindBase(op, h.kind)
	if err != nil {
		if errors.Is(err, cache.ErrUnsupportedPath) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	return readNestedDir(base)
}

// followHandler nests by follow relation.
type followHandler struct {
	resolver *cache.Resolver
	writer   *cache.Writer
}

func (h *followHandler) Kind() domain.RecordKind { return domain.KindFollow }

func (h *followHandler) Write(env domain.CacheEnvelope) error {
	if env.Relation == "" {
		return fmt.Errorf("follow record %s: relation is required", env.Filename)
	}
	dir, err := h.resolver.Resolve(env.Operation, domain.KindFollow, string(env.Relation))
	if err != nil {
		return err
	}
	return h.writer.Append(dir, env)
}

func (h *followHandler) ReadAll(op domain.Operation) ([]domain.CacheEnvelope, []string, []string, error) {
	var envs []domain.CacheEnvelope
	var paths, corrupt []string
	for _, rel := range []domain.FollowRelation{domain.RelationFollower, domain.RelationFollowee} {
		dir, err := h.resolver.Resolve(op, domain.KindFollow, string(rel))
		if err != nil {
			if errors.Is(err, cache.ErrUnsupportedPath) {
				return nil, nil, nil, nil
			}
			return nil, nil, nil, err
		}
		e, p, c, err := readBatchDir(dir)
		if err != nil {
			return nil, nil, nil, err
		}
		envs = append(envs, e...)
		paths = append(paths, p...)
		corrupt = append(corrupt, c...)
	}
	return envs, paths, corrupt, nil
}

// likeNestKey nests a like under the liked post's URI suffix.
func likeNestKey(env domain.CacheEnvelope) (string, error) {
	if uri := env.Meta[processors.MetaSubjectURI]; uri != "" {
		return domain.URISuffix(uri), nil
	}
	var rec domain.LikeRecord
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return "", err
	}
	if rec.SubjectURI == "" {
		return "", fmt.Errorf("like record has no subject uri")
	}
	return domain.URISuffix(rec.SubjectURI), nil
}

// replyNestKey nests a reply under the tracked post it answered. The
// routing decision says which of parent/root matched; absent that, parent
// is the closer relationship.
func replyNestKey(env domain.CacheEnvelope) (string, error) {
	if uri := env.Meta[processors.MetaSubjectURI]; uri != "" {
		return domain.URISuffix(uri), nil
	}
	var rec domain.PostRecord
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return "", err
	}
	switch {
	case rec.ReplyParent != "":
		return domain.URISuffix(rec.ReplyParent), nil
	case rec.ReplyRoot != "":
		return domain.URISuffix(rec.ReplyRoot), nil
	}
	return "", fmt.Errorf("reply record has no parent or root")
}

// readBatchDir reads every .jsonl batch file directly inside dir. A file
// that fails to decode is reported as corrupt, not fatal, so one bad file
// cannot block the rest of the cache.
func readBatchDir(dir string) ([]domain.CacheEnvelope, []string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("list cache dir %s: %w", dir, err)
	}
	var envs []domain.CacheEnvelope
	var paths, corrupt []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		batch, err := cache.ReadEnvelopes(path)
		if err != nil {
			corrupt = append(corrupt, path)
			continue
		}
		envs = append(envs, batch...)
		paths = append(paths, path)
	}
	return envs, paths, corrupt, nil
}

// readNestedDir reads batch files one nesting level below base.
func readNestedDir(base string) ([]domain.CacheEnvelope, []string, []string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("list cache dir %s: %w", base, err)
	}
	var envs []domain.CacheEnvelope
	var paths, corrupt []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, subPaths, subCorrupt, err := readBatchDir(filepath.Join(base, e.Name()))
		if err != nil {
			return nil, nil, nil, err
		}
		envs = append(envs, sub...)
		paths = append(paths, subPaths...)
		corrupt = append(corrupt, subCorrupt...)
	}
	return envs, paths, corrupt, nil
}
