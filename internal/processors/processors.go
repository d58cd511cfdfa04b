// Package processors turns decoded commit records into routing decisions by
// consulting the membership oracle. Processors are stateless; one instance
// per record kind is built at consumer startup.
package processors

import (
	"encoding/json"
	"fmt"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
	"github.com/METResearchGroup/bluesky-research-sub002/internal/membership"
)

// MetaSubjectURI names the decision metadata entry carrying the tracked
// post a derived-kind record nests under.
const MetaSubjectURI = "subject_uri"

// MetaUserPostType records whether a reply matched the thread parent or the
// thread root.
const MetaUserPostType = "user_post_type"

type PostProcessor struct{}

func (PostProcessor) Transform(rec domain.PostRecord) (json.RawMessage, error) {
	if rec.URI == "" || rec.AuthorDID == "" {
		return nil, fmt.Errorf("post record missing uri or author")
	}
	return json.Marshal(rec)
}

// Decisions routes a post to the study-user POST target when its author is
// tracked, to REPLY_TO_TRACKED_POST when it replies to a tracked user's
// post (the more proximate parent wins over the thread root), and to the
// in-network target when the author is in-network. Deletes carry no author
// and yield nothing.
func (PostProcessor) Decisions(rec domain.PostRecord, op domain.Operation, oracle membership.Oracle) []domain.RoutingDecision {
	if op != domain.OperationCreate {
		return nil
	}
	var out []domain.RoutingDecision
	suffix := domain.URISuffix(rec.URI)
	filename := fmt.Sprintf("author_did=%s_post_uri_suffix=%s", rec.AuthorDID, suffix)

	if oracle.IsTrackedUser(rec.AuthorDID) {
		out = append(out, domain.RoutingDecision{
			Kind:     domain.KindPost,
			OwnerDID: rec.AuthorDID,
			Filename: filename,
		})
	}

	if d, ok := replyDecision(rec, oracle); ok {
		out = append(out, d)
	}

	if oracle.IsInNetworkUser(rec.AuthorDID) {
		out = append(out, domain.RoutingDecision{
			Kind:     domain.KindInNetworkPost,
			OwnerDID: rec.AuthorDID,
			Filename: filename,
		})
	}
	return out
}

func replyDecision(rec domain.PostRecord, oracle membership.Oracle) (domain.RoutingDecision, bool) {
	type candidate struct {
		uri      string
		postType string
	}
	for _, c := range []candidate{{rec.ReplyParent, "parent"}, {rec.ReplyRoot, "root"}} {
		if c.uri == "" {
			continue
		}
		owner, ok := oracle.TrackedAuthorOf(c.uri)
		if !ok {
			continue
		}
		return domain.RoutingDecision{
			Kind:     domain.KindReplyToUserPost,
			OwnerDID: owner,
			Filename: fmt.Sprintf("author_did=%s_post_uri_suffix=%s", rec.AuthorDID, domain.URISuffix(rec.URI)),
			Meta: map[string]string{
				MetaSubjectURI:   c.uri,
				MetaUserPostType: c.postType,
			},
		}, true
	}
	return domain.RoutingDecision{}, false
}

type LikeProcessor struct{}

func (LikeProcessor) Transform(rec domain.LikeRecord) (json.RawMessage, error) {
	if rec.URI == "" || rec.AuthorDID == "" {
		return nil, fmt.Errorf("like record missing uri or author")
	}
	if rec.SubjectURI == "" {
		return nil, fmt.Errorf("like record %s missing subject uri", rec.URI)
	}
	return json.Marshal(rec)
}

// Decisions routes a like to LIKE when the liker is tracked and to
// LIKE_ON_TRACKED_POST when the liked post belongs to a tracked user. Both
// may fire for the same like.
func (LikeProcessor) Decisions(rec domain.LikeRecord, op domain.Operation, oracle membership.Oracle) []domain.RoutingDecision {
	if op != domain.OperationCreate {
		return nil
	}
	var out []domain.RoutingDecision
	filename := fmt.Sprintf("like_author_did=%s_like_uri_suffix=%s", rec.AuthorDID, domain.URISuffix(rec.URI))

	if oracle.IsTrackedUser(rec.AuthorDID) {
		out = append(out, domain.RoutingDecision{
			Kind:     domain.KindLike,
			OwnerDID: rec.AuthorDID,
			Filename: filename,
		})
	}
	if owner, ok := oracle.TrackedAuthorOf(rec.SubjectURI); ok {
		out = append(out, domain.RoutingDecision{
			Kind:     domain.KindLikeOnUserPost,
			OwnerDID: owner,
			Filename: filename,
			Meta:     map[string]string{MetaSubjectURI: rec.SubjectURI},
		})
	}
	return out
}

type FollowProcessor struct{}

func (FollowProcessor) Transform(rec domain.FollowRecord) (json.RawMessage, error) {
	if rec.AuthorDID == "" || rec.SubjectDID == "" {
		return nil, fmt.Errorf("follow record missing follower or followee")
	}
	return json.Marshal(rec)
}

// Decisions emits a follower-relation decision when the account doing the
// following is tracked and, independently, a followee-relation decision
// when the account being followed is tracked. A follow between two tracked
// users yields both.
func (FollowProcessor) Decisions(rec domain.FollowRecord, op domain.Operation, oracle membership.Oracle) []domain.RoutingDecision {
	if op != domain.OperationCreate {
		return nil
	}
	var out []domain.RoutingDecision
	filename := fmt.Sprintf("follower_did=%s_followee_did=%s", rec.AuthorDID, rec.SubjectDID)

	if oracle.IsTrackedUser(rec.AuthorDID) {
		out = append(out, domain.RoutingDecision{
			Kind:     domain.KindFollow,
			OwnerDID: rec.AuthorDID,
			Filename: filename,
			Relation: domain.RelationFollower,
		})
	}
	if oracle.IsTrackedUser(rec.SubjectDID) {
		out = append(out, domain.RoutingDecision{
			Kind:     domain.KindFollow,
			OwnerDID: rec.SubjectDID,
			Filename: filename,
			Relation: domain.RelationFollowee,
		})
	}
	return out
}
