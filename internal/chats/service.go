package chats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/palaver-im/palaver/internal/entries"
)

var (
	// ErrNotAMember indicates the acting user does not belong to the chat.
	ErrNotAMember = errors.New("chats: user is not a member")
	// ErrNotAChat indicates the referenced collection exists but is not a chat.
	ErrNotAChat = errors.New("chats: collection is not a chat")
	// ErrNoParticipants indicates a chat was requested without any participant.
	ErrNoParticipants = errors.New("chats: at least one participant required")
	// ErrInvalidMessageKind indicates an unknown message media kind.
	ErrInvalidMessageKind = errors.New("chats: invalid message kind")

	noOpLogger = zap.NewNop()
)

// MessageKind classifies the media carried by a chat message.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
	MessageKindAudio MessageKind = "audio"
	MessageKindVideo MessageKind = "video"
)

// NewMessageKind validates raw input, defaulting empty to text.
func NewMessageKind(rawInput string) (MessageKind, error) {
	switch MessageKind(rawInput) {
	case "":
		return MessageKindText, nil
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindAudio, MessageKindVideo:
		return MessageKind(rawInput), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageKind, rawInput)
	}
}

// String returns the underlying kind value.
func (k MessageKind) String() string {
	return string(k)
}

// Enqueuer hands freshly committed messages to the outbox dispatcher.
type Enqueuer interface {
	Enqueue(entryID entries.EntryID, collectionID entries.CollectionID)
}

// ServiceConfig describes the dependencies required by the chat facade.
type ServiceConfig struct {
	Database *gorm.DB
	Store    *entries.Store
	Enqueuer Enqueuer
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service exposes encrypted chats on top of the entity store. Membership rows
// gate every read and write; all chat collections are encrypted at rest by
// the shared event codec before they leave the process.
type Service struct {
	db       *gorm.DB
	store    *entries.Store
	enqueuer Enqueuer
	logger   *zap.Logger
	clock    func() time.Time
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("chats: database handle is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("chats: entity store is required")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("chats: enqueuer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:       cfg.Database,
		store:    cfg.Store,
		enqueuer: cfg.Enqueuer,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Chat is the read model for a chat collection.
type Chat struct {
	ChatID           entries.CollectionID
	Kind             entries.CollectionKind
	Title            string
	CreatedBy        string
	CreatedAtSeconds int64
}

// Message is the read model for a message entry.
type Message struct {
	MessageID        entries.EntryID
	ChatID           entries.CollectionID
	Body             string
	Kind             MessageKind
	AttachmentURL    string
	AuthorID         string
	PublishState     entries.PublishState
	CreatedAtSeconds int64
}

// CreateChatInput describes a new chat. A non-group chat with exactly one
// participant is a direct chat; repeated requests for the same pair reuse the
// existing direct chat instead of creating another.
type CreateChatInput struct {
	Title        string
	IsGroup      bool
	CreatorID    string
	Participants []string
}

// CreateChat creates the chat collection and its membership rows. Direct
// chats between the same two users are deduplicated.
func (s *Service) CreateChat(ctx context.Context, input CreateChatInput) (Chat, error) {
	participants := dedupeParticipants(input.CreatorID, input.Participants)
	if len(participants) == 0 {
		return Chat{}, fmt.Errorf("chats.create_chat: %w", ErrNoParticipants)
	}

	if !input.IsGroup && len(participants) == 1 {
		existing, err := s.findDirectChat(ctx, input.CreatorID, participants[0])
		if err != nil {
			return Chat{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	kind := entries.CollectionKindGroupChat
	if !input.IsGroup && len(participants) == 1 {
		kind = entries.CollectionKindDirectChat
	}

	creator, err := entries.NewAuthorID(input.CreatorID)
	if err != nil {
		return Chat{}, err
	}
	collectionID, err := s.store.CreateCollection(ctx, entries.NewCollectionInput{
		Kind:      kind,
		Title:     input.Title,
		IsPrivate: true,
		CreatedBy: creator,
	})
	if err != nil {
		return Chat{}, err
	}

	now := s.clock().UTC().Unix()
	members := make([]Member, 0, len(participants)+1)
	members = append(members, Member{
		CollectionID:    collectionID.String(),
		UserID:          input.CreatorID,
		IsAdmin:         true,
		JoinedAtSeconds: now,
	})
	for _, participant := range participants {
		members = append(members, Member{
			CollectionID:    collectionID.String(),
			UserID:          participant,
			JoinedAtSeconds: now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&members).Error; err != nil {
		s.logger.Error("chat membership insert failed",
			zap.String("collection_id", collectionID.String()), zap.Error(err))
		return Chat{}, fmt.Errorf("chats.create_chat.member_insert_failed: %w", err)
	}

	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return Chat{}, err
	}
	return chatFromCollection(collection)
}

// SendMessageInput describes a new chat message.
type SendMessageInput struct {
	ChatID        entries.CollectionID
	AuthorID      string
	Body          string
	Kind          MessageKind
	AttachmentURL string
}

// SendMessage commits a message entry as pending and hands it to the
// dispatcher. Only members may send.
func (s *Service) SendMessage(ctx context.Context, input SendMessageInput) (Message, error) {
	member, err := s.IsMember(ctx, input.ChatID, input.AuthorID)
	if err != nil {
		return Message{}, err
	}
	if !member {
		return Message{}, fmt.Errorf("chats.send_message: %w", ErrNotAMember)
	}

	kind, err := NewMessageKind(input.Kind.String())
	if err != nil {
		return Message{}, err
	}
	author, err := entries.NewAuthorID(input.AuthorID)
	if err != nil {
		return Message{}, err
	}

	entryID, err := s.store.CreatePending(ctx, entries.NewEntryInput{
		CollectionID:  input.ChatID,
		AuthorID:      author,
		Kind:          entries.EntryKindMessage,
		Body:          input.Body,
		MediaKind:     kind.String(),
		AttachmentURL: input.AttachmentURL,
	})
	if err != nil {
		return Message{}, err
	}
	s.enqueuer.Enqueue(entryID, input.ChatID)

	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return Message{}, err
	}
	return messageFromEntry(entry)
}

// ListMessages returns messages in a chat in creation order. Only members may
// read.
func (s *Service) ListMessages(ctx context.Context, chatID entries.CollectionID, userID string, limit, offset int) ([]Message, error) {
	member, err := s.IsMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("chats.list_messages: %w", ErrNotAMember)
	}

	rows, err := s.store.ListEntries(ctx, chatID, []entries.EntryKind{entries.EntryKindMessage}, limit, offset)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		message, err := messageFromEntry(row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// ListChats returns the chats a user belongs to, newest first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	var collections []entries.Collection
	err := s.db.WithContext(ctx).
		Table("collections").
		Joins("JOIN chat_members ON chat_members.collection_id = collections.collection_id").
		Where("chat_members.user_id = ?", userID).
		Where("collections.kind IN ?", []string{
			string(entries.CollectionKindDirectChat),
			string(entries.CollectionKindGroupChat),
		}).
		Order("collections.created_at_s DESC").
		Find(&collections).Error
	if err != nil {
		s.logger.Error("chat list query failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("chats.list_chats.query_failed: %w", err)
	}

	chats := make([]Chat, 0, len(collections))
	for _, collection := range collections {
		chat, err := chatFromCollection(collection)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// AddMember adds a user to a group chat. Only admins may change the roster.
func (s *Service) AddMember(ctx context.Context, chatID entries.CollectionID, actorID, userID string) error {
	var actor Member
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND user_id = ?", chatID.String(), actorID).
		Take(&actor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !actor.IsAdmin) {
		return fmt.Errorf("chats.add_member: %w", ErrNotAMember)
	}
	if err != nil {
		return fmt.Errorf("chats.add_member.query_failed: %w", err)
	}

	member := Member{
		CollectionID:    chatID.String(),
		UserID:          userID,
		JoinedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
		return fmt.Errorf("chats.add_member.insert_failed: %w", err)
	}
	return nil
}

// IsMember reports whether the user belongs to the chat.
func (s *Service) IsMember(ctx context.Context, chatID entries.CollectionID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("collection_id = ? AND user_id = ?", chatID.String(), userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("chats.is_member.query_failed: %w", err)
	}
	return count > 0, nil
}

// findDirectChat locates an existing direct chat shared by exactly the two
// users, or nil when none exists.
func (s *Service) findDirectChat(ctx context.Context, userA, userB string) (*Chat, error) {
	var collectionIDs []string
	err := s.db.WithContext(ctx).
		Table("chat_members AS a").
		Select("a.collection_id").
		Joins("JOIN chat_members AS b ON b.collection_id = a.collection_id").
		Joins("JOIN collections AS c ON c.collection_id = a.collection_id").
		Where("a.user_id = ? AND b.user_id = ? AND c.kind = ?",
			userA, userB, string(entries.CollectionKindDirectChat)).
		Limit(1).
		Scan(&collectionIDs).Error
	if err != nil {
		return nil, fmt.Errorf("chats.create_chat.direct_lookup_failed: %w", err)
	}
	if len(collectionIDs) == 0 {
		return nil, nil
	}

	collectionID, err := entries.NewCollectionID(collectionIDs[0])
	if err != nil {
		return nil, err
	}
	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	chat, err := chatFromCollection(collection)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func dedupeParticipants(creatorID string, participants []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	result := make([]string, 0, len(participants))
	for _, participant := range participants {
		if _, ok := seen[participant]; ok {
			continue
		}
		seen[participant] = struct{}{}
		result = append(result, participant)
	}
	return result
}

func chatFromCollection(collection entries.Collection) (Chat, error) {
	kind := entries.CollectionKind(collection.Kind)
	if kind != entries.CollectionKindDirectChat && kind != entries.CollectionKindGroupChat {
		return Chat{}, fmt.Errorf("chats: %w", ErrNotAChat)
	}
	chatID, err := entries.NewCollectionID(collection.CollectionID)
	if err != nil {
		return Chat{}, err
	}
	return Chat{
		ChatID:           chatID,
		Kind:             kind,
		Title:            collection.Title,
		CreatedBy:        collection.CreatedBy,
		CreatedAtSeconds: collection.CreatedAtSeconds,
	}, nil
}

func messageFromEntry(entry entries.Entry) (Message, error) {
	messageID, err := entries.NewEntryID(entry.EntryID)
	if err != nil {
		return Message{}, err
	}
	chatID, err := entries.NewCollectionID(entry.CollectionID)
	if err != nil {
		return Message{}, err
	}
	kind, err := NewMessageKind(entry.MediaKind)
	if err != nil {
		return Message{}, err
	}
	return Message{
		MessageID:        messageID,
		ChatID:           chatID,
		Body:             entry.Body,
		Kind:             kind,
		AttachmentURL:    entry.AttachmentURL,
		AuthorID:         entry.AuthorID,
		PublishState:     entries.PublishState(entry.PublishState),
		CreatedAtSeconds: entry.CreatedAtSeconds,
	}, nil
}
