package entries

import (
	"errors"
	"fmt"
)

// CollectionKind enumerates the supported collection flavors.
type CollectionKind string

const (
	// CollectionKindBoard is a public forum board.
	CollectionKindBoard CollectionKind = "board"
	// CollectionKindDirectChat is a two-party private chat.
	CollectionKindDirectChat CollectionKind = "direct-chat"
	// CollectionKindGroupChat is a multi-party private chat.
	CollectionKindGroupChat CollectionKind = "group-chat"
)

// EntryKind enumerates the supported entry flavors.
type EntryKind string

const (
	// EntryKindThread opens a new discussion inside a board.
	EntryKindThread EntryKind = "thread"
	// EntryKindPost replies inside a board thread.
	EntryKindPost EntryKind = "post"
	// EntryKindMessage is a chat message.
	EntryKindMessage EntryKind = "message"
	// EntryKindMembership records a membership change inside a chat.
	EntryKindMembership EntryKind = "membership"
)

// PublishState tracks the outbound publication lifecycle of an entry.
type PublishState string

const (
	// PublishStatePending marks an entry committed locally but not yet published.
	PublishStatePending PublishState = "pending"
	// PublishStatePublished marks an entry with a confirmed remote event.
	PublishStatePublished PublishState = "published"
	// PublishStateFailed marks an entry rejected permanently by the remote side.
	PublishStateFailed PublishState = "publish_failed"
)

var (
	// ErrInvalidCollectionKind indicates an unrecognized collection kind.
	ErrInvalidCollectionKind = errors.New("entries: invalid collection kind")
	// ErrInvalidEntryKind indicates an unrecognized entry kind.
	ErrInvalidEntryKind = errors.New("entries: invalid entry kind")
)

// NewCollectionKind validates raw input and returns a CollectionKind.
func NewCollectionKind(rawInput string) (CollectionKind, error) {
	switch CollectionKind(rawInput) {
	case CollectionKindBoard, CollectionKindDirectChat, CollectionKindGroupChat:
		return CollectionKind(rawInput), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCollectionKind, rawInput)
}

// String returns the kind as a string.
func (kind CollectionKind) String() string {
	return string(kind)
}

// NewEntryKind validates raw input and returns an EntryKind.
func NewEntryKind(rawInput string) (EntryKind, error) {
	switch EntryKind(rawInput) {
	case EntryKindThread, EntryKindPost, EntryKindMessage, EntryKindMembership:
		return EntryKind(rawInput), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, rawInput)
}

// String returns the kind as a string.
func (kind EntryKind) String() string {
	return string(kind)
}

// Collection models a board or chat bound to at most one remote room.
type Collection struct {
	CollectionID        string  `gorm:"column:collection_id;primaryKey;size:190;not null"`
	Kind                string  `gorm:"column:kind;size:32;not null"`
	Name                *string `gorm:"column:name;size:190;uniqueIndex:idx_collections_name"`
	Title               string  `gorm:"column:title;size:320;not null;default:''"`
	Description         string  `gorm:"column:description;type:text;not null;default:''"`
	RoomID              *string `gorm:"column:room_id;size:190;uniqueIndex:idx_collections_room"`
	IsNSFW              bool    `gorm:"column:is_nsfw;not null;default:false"`
	IsPrivate           bool    `gorm:"column:is_private;not null;default:false"`
	IsProvisional       bool    `gorm:"column:is_provisional;not null;default:false"`
	CreatedBy           string  `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAtSeconds    int64   `gorm:"column:created_at_s;not null"`
	ReplyCount          int64   `gorm:"column:reply_count;not null;default:0"`
	LastActivitySeconds int64   `gorm:"column:last_activity_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// Entry models a thread, post, or message inside a collection.
//
// Seq is a local monotonic insert order used by the pending scan to preserve
// per-collection publish ordering across restarts. RemoteEventID stays NULL
// until the outbox dispatcher obtains one; the unique index guarantees a
// remote event materializes at most one local entry.
type Entry struct {
	Seq                int64   `gorm:"column:seq;primaryKey;autoIncrement"`
	EntryID            string  `gorm:"column:entry_id;size:190;not null;uniqueIndex:idx_entries_entry_id"`
	CollectionID       string  `gorm:"column:collection_id;size:190;not null;index:idx_entries_collection_created,priority:1"`
	AuthorID           string  `gorm:"column:author_id;size:190;not null;default:''"`
	Kind               string  `gorm:"column:kind;size:32;not null"`
	Title              string  `gorm:"column:title;size:320;not null;default:''"`
	Body               string  `gorm:"column:body;type:text;not null;default:''"`
	MediaKind          string  `gorm:"column:media_kind;size:32;not null;default:''"`
	AttachmentURL      string  `gorm:"column:attachment_url;size:512;not null;default:''"`
	ReplyTo            *string `gorm:"column:reply_to;size:190"`
	RemoteEventID      *string `gorm:"column:remote_event_id;size:190;uniqueIndex:idx_entries_remote_event"`
	PublishState       string  `gorm:"column:publish_state;size:32;not null;index:idx_entries_publish_state"`
	FailureReason      string  `gorm:"column:failure_reason;size:320;not null;default:''"`
	IsPinned           bool    `gorm:"column:is_pinned;not null;default:false"`
	IsLocked           bool    `gorm:"column:is_locked;not null;default:false"`
	ReplyCount         int64   `gorm:"column:reply_count;not null;default:0"`
	LastReplyAtSeconds *int64  `gorm:"column:last_reply_at_s"`
	CreatedAtSeconds   int64   `gorm:"column:created_at_s;not null;index:idx_entries_collection_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// RemoteApplication records an already-applied remote event per collection.
// Redelivered events hit this table and are skipped.
type RemoteApplication struct {
	CollectionID     string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	RemoteEventID    string `gorm:"column:remote_event_id;primaryKey;size:190;not null"`
	ServerSeq        int64  `gorm:"column:server_seq;not null;index:idx_remote_applications_seq"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RemoteApplication) TableName() string {
	return "remote_applications"
}

// SyncCursor stores the durable resume position of a gateway subscription.
type SyncCursor struct {
	Name             string `gorm:"column:name;primaryKey;size:64;not null"`
	Position         int64  `gorm:"column:position;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
