package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"github.com/METResearchGroup/bluesky-research-sub002/internal/domain"
)

// SubscribeRequest opens a commit stream. A zero cursor tails live from
// the relay's current position.
type SubscribeRequest struct {
	Cursor            int64    `protobuf:"varint,1,opt,name=cursor,proto3"`
	WantedCollections []string `protobuf:"bytes,2,rep,name=wanted_collections,json=wantedCollections,proto3"`
}

func (*SubscribeRequest) Reset()         {}
func (*SubscribeRequest) String() string { return "SubscribeRequest" }
func (*SubscribeRequest) ProtoMessage()  {}

type PostEvent struct {
	Uri         string   `protobuf:"bytes,1,opt,name=uri,proto3"`
	Cid         string   `protobuf:"bytes,2,opt,name=cid,proto3"`
	AuthorDid   string   `protobuf:"bytes,3,opt,name=author_did,json=authorDid,proto3"`
	Text        string   `protobuf:"bytes,4,opt,name=text,proto3"`
	CreatedAt   string   `protobuf:"bytes,5,opt,name=created_at,json=createdAt,proto3"`
	Langs       []string `protobuf:"bytes,6,rep,name=langs,proto3"`
	ReplyParent string   `protobuf:"bytes,7,opt,name=reply_parent,json=replyParent,proto3"`
	ReplyRoot   string   `protobuf:"bytes,8,opt,name=reply_root,json=replyRoot,proto3"`
}

func (*PostEvent) Reset()         {}
func (*PostEvent) String() string { return "PostEvent" }
func (*PostEvent) ProtoMessage()  {}

type LikeEvent struct {
	Uri        string `protobuf:"bytes,1,opt,name=uri,proto3"`
	Cid        string `protobuf:"bytes,2,opt,name=cid,proto3"`
	AuthorDid  string `protobuf:"bytes,3,opt,name=author_did,json=authorDid,proto3"`
	CreatedAt  string `protobuf:"bytes,4,opt,name=created_at,json=createdAt,proto3"`
	SubjectUri string `protobuf:"bytes,5,opt,name=subject_uri,json=subjectUri,proto3"`
	SubjectCid string `protobuf:"bytes,6,opt,name=subject_cid,json=subjectCid,proto3"`
}

func (*LikeEvent) Reset()         {}
func (*LikeEvent) String() string { return "LikeEvent" }
func (*LikeEvent) ProtoMessage()  {}

type FollowEvent struct {
	Uri        string `protobuf:"bytes,1,opt,name=uri,proto3"`
	Cid        string `protobuf:"bytes,2,opt,name=cid,proto3"`
	AuthorDid  string `protobuf:"bytes,3,opt,name=author_did,json=authorDid,proto3"`
	CreatedAt  string `protobuf:"bytes,4,opt,name=created_at,json=createdAt,proto3"`
	SubjectDid string `protobuf:"bytes,5,opt,name=subject_did,json=subjectDid,proto3"`
}

func (*FollowEvent) Reset()         {}
func (*FollowEvent) String() string { return "FollowEvent" }
func (*FollowEvent) ProtoMessage()  {}

type DeletedRecord struct {
	Uri string `protobuf:"bytes,1,opt,name=uri,proto3"`
}

func (*DeletedRecord) Reset()         {}
func (*DeletedRecord) String() string { return "DeletedRecord" }
func (*DeletedRecord) ProtoMessage()  {}

// CommitEvent is one repo commit as sent by the relay.
type CommitEvent struct {
	Seq            int64            `protobuf:"varint,1,opt,name=seq,proto3"`
	Repo           string           `protobuf:"bytes,2,opt,name=repo,proto3"`
	TimeUtcNs      int64            `protobuf:"varint,3,opt,name=time_utc_ns,json=timeUtcNs,proto3"`
	Posts          []*PostEvent     `protobuf:"bytes,4,rep,name=posts,proto3"`
	Likes          []*LikeEvent     `protobuf:"bytes,5,rep,name=likes,proto3"`
	Follows        []*FollowEvent   `protobuf:"bytes,6,rep,name=follows,proto3"`
	DeletedPosts   []*DeletedRecord `protobuf:"bytes,7,rep,name=deleted_posts,json=deletedPosts,proto3"`
	DeletedLikes   []*DeletedRecord `protobuf:"bytes,8,rep,name=deleted_likes,json=deletedLikes,proto3"`
	DeletedFollows []*DeletedRecord `protobuf:"bytes,9,rep,name=deleted_follows,json=deletedFollows,proto3"`
}

func (*CommitEvent) Reset()         {}
func (*CommitEvent) String() string { return "CommitEvent" }
func (*CommitEvent) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalSubscribe(payload []byte) (*SubscribeRequest, error) {
	var req SubscribeRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalCommit(payload []byte) (*CommitEvent, error) {
	var ev CommitEvent
	if err := proto.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func ValidateCommit(ev *CommitEvent) error {
	if ev == nil {
		return fmt.Errorf("nil commit")
	}
	if ev.Repo == "" {
		return fmt.Errorf("commit has no repo")
	}
	return nil
}

// ToFrame converts the wire commit into the domain frame the consumer
// processes.
func (ev *CommitEvent) ToFrame() domain.CommitFrame {
	frame := domain.CommitFrame{
		Seq:       ev.Seq,
		Repo:      ev.Repo,
		TimeUTCNs: ev.TimeUtcNs,
	}
	for _, p := range ev.Posts {
		frame.Posts = append(frame.Posts, domain.PostRecord{
			URI:         p.Uri,
			CID:         p.Cid,
			AuthorDID:   p.AuthorDid,
			Text:        p.Text,
			CreatedAt:   p.CreatedAt,
			Langs:       p.Langs,
			ReplyParent: p.ReplyParent,
			ReplyRoot:   p.ReplyRoot,
		})
	}
	for _, l := range ev.Likes {
		frame.Likes = append(frame.Likes, domain.LikeRecord{
			URI:        l.Uri,
			CID:        l.Cid,
			AuthorDID:  l.AuthorDid,
			CreatedAt:  l.CreatedAt,
			SubjectURI: l.SubjectUri,
			SubjectCID: l.SubjectCid,
		})
	}
	for _, f := range ev.Follows {
		frame.Follows = append(frame.Follows, domain.FollowRecord{
			URI:        f.Uri,
			CID:        f.Cid,
			AuthorDID:  f.AuthorDid,
			CreatedAt:  f.CreatedAt,
			SubjectDID: f.SubjectDid,
		})
	}
	for _, d := range ev.DeletedPosts {
		frame.DeletedPosts = append(frame.DeletedPosts, domain.DeleteRef{URI: d.Uri})
	}
	for _, d := range ev.DeletedLikes {
		frame.DeletedLikes = append(frame.DeletedLikes, domain.DeleteRef{URI: d.Uri})
	}
	for _, d := range ev.DeletedFollows {
		frame.DeletedFollows = append(frame.DeletedFollows, domain.DeleteRef{URI: d.Uri})
	}
	return frame
}
