package cache

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
)

var (
	ErrNestingKeyRequired = errors.New("nesting key required")
	ErrUnsupportedPath    = errors.New("unsupported operation/kind combination")
)

const (
	studyActivityDir     = "study_user_activity"
	inNetworkActivityDir = "in_network_user_activity"
)

// nestedKinds require a nesting key segment under the kind directory:
// likes and replies nest under the subject post's URI suffix, follows nest
// under the follow relation.
var nestedKinds = map[domain.RecordKind]bool{
	domain.KindLike:            true,
	domain.KindLikeOnUserPost:  true,
	domain.KindReplyToUserPost: true,
	domain.KindFollow:          true,
}

// deleteKinds are the only kinds with a delete-side directory. Derived
// kinds and follows have no delete path because the upstream delete payload
// cannot be attributed.
var deleteKinds = map[domain.RecordKind]bool{
	domain.KindPost: true,
	domain.KindLike: true,
}

// Resolver maps (operation, kind, nesting key) to a deterministic on-disk
// directory. It holds only the cache root and is safe for concurrent use.
type Resolver struct {
	root string
}

func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

func (r *Resolver) Root() string { return r.root }

// Resolve returns the directory that records of the given operation and
// kind are cached under. nestingKey must be non-empty for nested kinds and
// is ignored for flat ones.
func (r *Resolver) Resolve(op domain.Operation, kind domain.RecordKind, nestingKey string) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("%w: operation %q", ErrUnsupportedPath, op)
	}
	if kind == domain.KindInNetworkPost {
		if op != domain.OperationCreate {
			return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPath, op, kind)
		}
		return filepath.Join(r.root, inNetworkActivityDir, string(op), "post"), nil
	}
	if op == domain.OperationDelete && !deleteKinds[kind] {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPath, op, kind)
	}
	base := filepath.Join(r.root, studyActivityDir, string(op), string(kind))
	if !nestedKinds[kind] {
		return base, nil
	}
	if nestingKey == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNestingKeyRequired, op, kind)
	}
	if kind == domain.KindFollow {
		if nestingKey != string(domain.RelationFollower) && nestingKey != string(domain.RelationFollowee) {
			return "", fmt.Errorf("invalid follow relation %q", nestingKey)
		}
	}
	return filepath.Join(base, nestingKey), nil
}

// KindBase returns the kind-level directory without any nesting segment,
// the starting point for handler read-alls.
func (r *Resolver) KindBase(op domain.Operation, kind domain.RecordKind) (string, error) {
	if kind == domain.KindInNetworkPost || !nestedKinds[kind] {
		return r.Resolve(op, kind, "")
	}
	if op == domain.OperationDelete && !deleteKinds[kind] {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPath, op, kind)
	}
	return filepath.Join(r.root, studyActivityDir, string(op), string(kind)), nil
}

// SkeletonPaths lists every non-nested directory the resolver can produce.
// Nested segments appear lazily at write time.
func (r *Resolver) SkeletonPaths() []string {
	paths := []string{
		filepath.Join(r.root, studyActivityDir, string(domain.OperationCreate), "post"),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationCreate), "like"),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationCreate), "follow", string(domain.RelationFollower)),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationCreate), "follow", string(domain.RelationFollowee)),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationCreate), "like_on_user_post"),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationCreate), "reply_to_user_post"),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationDelete), "post"),
		filepath.Join(r.root, studyActivityDir, string(domain.OperationDelete), "like"),
		filepath.Join(r.root, inNetworkActivityDir, string(domain.OperationCreate), "post"),
	}
	return paths
}
