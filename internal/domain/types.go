package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operation mirrors the upstream commit action. Deletes carry only a URI,
// so the two variants are not symmetric.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OperationCreate || o == OperationDelete
}

// RecordKind identifies a cacheable record category. The last three are
// derived: a like or post is reclassified when it references content
// authored by a study user, and in_network_post targets posts from accounts
// followed by study users.
type RecordKind string

const (
	KindPost            RecordKind = "post"
	KindLike            RecordKind = "like"
	KindFollow          RecordKind = "follow"
	KindLikeOnUserPost  RecordKind = "like_on_user_post"
	KindReplyToUserPost RecordKind = "reply_to_user_post"
	KindInNetworkPost   RecordKind = "in_network_post"
)

// BaseKinds are the kinds that arrive on the wire. Derived kinds are only
// produced by routing.
var BaseKinds = []RecordKind{KindPost, KindLike, KindFollow}

// AllKinds lists every kind a handler can be registered for.
var AllKinds = []RecordKind{
	KindPost, KindLike, KindFollow,
	KindLikeOnUserPost, KindReplyToUserPost, KindInNetworkPost,
}

type FollowRelation string

const (
	RelationFollower FollowRelation = "follower"
	RelationFollowee FollowRelation = "followee"
)

// RoutingDecision is an immutable instruction produced by a record
// processor: write this record to the handler for Kind, on behalf of
// OwnerDID, under Filename. Zero, one, or two decisions may result from a
// single event.
type RoutingDecision struct {
	Kind     RecordKind
	OwnerDID string
	Filename string
	Relation FollowRelation
	Meta     map[string]string
}

func (d RoutingDecision) Validate() error {
	if d.OwnerDID == "" {
		return fmt.Errorf("routing decision for %s: owner did is empty", d.Kind)
	}
	if d.Filename == "" {
		return fmt.Errorf("routing decision for %s: filename is empty", d.Kind)
	}
	return nil
}

// PostRecord is the decoded create payload for a post.
type PostRecord struct {
	URI         string   `json:"uri"`
	CID         string   `json:"cid"`
	AuthorDID   string   `json:"author_did"`
	Text        string   `json:"text"`
	CreatedAt   string   `json:"created_at"`
	Langs       []string `json:"langs,omitempty"`
	ReplyParent string   `json:"reply_parent,omitempty"`
	ReplyRoot   string   `json:"reply_root,omitempty"`
}

// LikeRecord is the decoded create payload for a like.
type LikeRecord struct {
	URI        string `json:"uri"`
	CID        string `json:"cid"`
	AuthorDID  string `json:"author_did"`
	SubjectURI string `json:"subject_uri"`
	SubjectCID string `json:"subject_cid"`
	CreatedAt  string `json:"created_at"`
}

// FollowRecord is the decoded create payload for a follow edge. AuthorDID
// follows SubjectDID.
type FollowRecord struct {
	URI        string `json:"uri"`
	CID        string `json:"cid"`
	AuthorDID  string `json:"author_did"`
	SubjectDID string `json:"subject_did"`
	CreatedAt  string `json:"created_at"`
}

// DeleteRef is all the upstream gives us for a delete: the record URI. No
// author, no body.
type DeleteRef struct {
	URI string `json:"uri"`
}

// CommitFrame groups the decoded operations of one upstream commit by kind.
// Seq is the resume cursor position for the frame.
type CommitFrame struct {
	Seq       int64
	Repo      string
	TimeUTCNs int64

	Posts   []PostRecord
	Likes   []LikeRecord
	Follows []FollowRecord

	DeletedPosts   []DeleteRef
	DeletedLikes   []DeleteRef
	DeletedFollows []DeleteRef
}

// CacheEnvelope is the unit stored in the on-disk cache: one line of a
// batch file. Record holds the canonical record JSON untouched so that a
// read-back yields the bytes that were written.
type CacheEnvelope struct {
	Kind      RecordKind        `json:"kind"`
	Operation Operation         `json:"operation"`
	OwnerDID  string            `json:"owner_did"`
	Filename  string            `json:"filename"`
	Relation  FollowRelation    `json:"relation,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Record    json.RawMessage   `json:"record"`
}

// URISuffix returns the last path segment of an at:// URI, the nesting key
// used for likes and replies.
func URISuffix(uri string) string {
	if uri == "" {
		return ""
	}
	parts := strings.Split(uri, "/")
	return parts[len(parts)-1]
}
