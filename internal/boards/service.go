package boards

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/palaver-im/palaver/internal/entries"
)

var (
	// ErrInvalidBoardName indicates the board slug is empty or carries forbidden characters.
	ErrInvalidBoardName = errors.New("boards: invalid board name")
	// ErrThreadLocked indicates a post targeted a locked thread.
	ErrThreadLocked = errors.New("boards: thread is locked")
	// ErrNotAThread indicates the referenced entry exists but is not a thread.
	ErrNotAThread = errors.New("boards: entry is not a thread")
	// ErrNotABoard indicates the referenced collection exists but is not a board.
	ErrNotABoard = errors.New("boards: collection is not a board")

	noOpLogger = zap.NewNop()

	boardNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// Enqueuer hands freshly committed entries to the outbox dispatcher. The hint
// is best-effort; a dropped hint is picked up by the dispatcher's rescan.
type Enqueuer interface {
	Enqueue(entryID entries.EntryID, collectionID entries.CollectionID)
}

// ServiceConfig describes the dependencies required by the board facade.
type ServiceConfig struct {
	Store    *entries.Store
	Enqueuer Enqueuer
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service exposes boards, threads and posts on top of the entity store. Every
// write commits locally first; publication to the bound room happens
// asynchronously through the dispatcher.
type Service struct {
	store    *entries.Store
	enqueuer Enqueuer
	logger   *zap.Logger
	clock    func() time.Time
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("boards: entity store is required")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("boards: enqueuer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: cfg.Store, enqueuer: cfg.Enqueuer, logger: logger, clock: clock}, nil
}

// Board is the read model for a board collection.
type Board struct {
	BoardID          entries.CollectionID
	Name             string
	Title            string
	Description      string
	IsNSFW           bool
	IsPrivate        bool
	CreatedBy        string
	CreatedAtSeconds int64
}

// Thread is the read model for a thread entry plus its aggregates.
type Thread struct {
	ThreadID           entries.EntryID
	BoardID            entries.CollectionID
	Title              string
	Body               string
	AttachmentURL      string
	AuthorID           string
	IsPinned           bool
	IsLocked           bool
	ReplyCount         int64
	LastReplyAtSeconds *int64
	PublishState       entries.PublishState
	CreatedAtSeconds   int64
}

// Post is the read model for a post entry inside a thread.
type Post struct {
	PostID           entries.EntryID
	BoardID          entries.CollectionID
	Body             string
	AttachmentURL    string
	AuthorID         string
	ReplyTo          *entries.EntryID
	PublishState     entries.PublishState
	CreatedAtSeconds int64
}

// CreateBoardInput describes a new board.
type CreateBoardInput struct {
	Name        string
	Title       string
	Description string
	IsNSFW      bool
	IsPrivate   bool
	CreatedBy   entries.AuthorID
}

// CreateBoard commits a new board collection. No room is created here; the
// binder provisions one lazily when the first entry is dispatched.
func (s *Service) CreateBoard(ctx context.Context, input CreateBoardInput) (Board, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if !boardNamePattern.MatchString(name) {
		return Board{}, fmt.Errorf("boards.create_board: %w", ErrInvalidBoardName)
	}

	collectionID, err := s.store.CreateCollection(ctx, entries.NewCollectionInput{
		Kind:        entries.CollectionKindBoard,
		Name:        &name,
		Title:       input.Title,
		Description: input.Description,
		IsNSFW:      input.IsNSFW,
		IsPrivate:   input.IsPrivate,
		CreatedBy:   input.CreatedBy,
	})
	if err != nil {
		return Board{}, err
	}

	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return Board{}, err
	}
	return boardFromCollection(collection)
}

// GetBoard loads a board by its slug.
func (s *Service) GetBoard(ctx context.Context, name string) (Board, error) {
	collection, err := s.store.GetCollectionByName(ctx, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return Board{}, err
	}
	return boardFromCollection(collection)
}

// ListBoards returns all boards, newest first.
func (s *Service) ListBoards(ctx context.Context) ([]Board, error) {
	collections, err := s.store.ListCollections(ctx, entries.CollectionKindBoard)
	if err != nil {
		return nil, err
	}
	boards := make([]Board, 0, len(collections))
	for _, collection := range collections {
		board, err := boardFromCollection(collection)
		if err != nil {
			return nil, err
		}
		boards = append(boards, board)
	}
	return boards, nil
}

// CreateThreadInput describes a new thread.
type CreateThreadInput struct {
	BoardName     string
	Title         string
	Body          string
	AttachmentURL string
	AuthorID      entries.AuthorID
}

// CreateThread commits a thread entry as pending and hands it to the
// dispatcher. The call returns as soon as the local commit is durable.
func (s *Service) CreateThread(ctx context.Context, input CreateThreadInput) (Thread, error) {
	board, err := s.GetBoard(ctx, input.BoardName)
	if err != nil {
		return Thread{}, err
	}

	entryID, err := s.store.CreatePending(ctx, entries.NewEntryInput{
		CollectionID:  board.BoardID,
		AuthorID:      input.AuthorID,
		Kind:          entries.EntryKindThread,
		Title:         input.Title,
		Body:          input.Body,
		AttachmentURL: input.AttachmentURL,
	})
	if err != nil {
		return Thread{}, err
	}
	s.enqueuer.Enqueue(entryID, board.BoardID)

	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return Thread{}, err
	}
	return threadFromEntry(entry)
}

// CreatePostInput describes a reply inside a thread. ReplyTo targets another
// post for nested replies; when nil the post replies to the thread itself.
type CreatePostInput struct {
	ThreadID      entries.EntryID
	Body          string
	AttachmentURL string
	ReplyTo       *entries.EntryID
	AuthorID      entries.AuthorID
}

// CreatePost commits a post entry as pending and hands it to the dispatcher.
// Locked threads reject new posts.
func (s *Service) CreatePost(ctx context.Context, input CreatePostInput) (Post, error) {
	thread, err := s.GetThread(ctx, input.ThreadID)
	if err != nil {
		return Post{}, err
	}
	if thread.IsLocked {
		return Post{}, fmt.Errorf("boards.create_post: %w", ErrThreadLocked)
	}

	replyTo := input.ReplyTo
	if replyTo == nil {
		target := thread.ThreadID
		replyTo = &target
	}

	entryID, err := s.store.CreatePending(ctx, entries.NewEntryInput{
		CollectionID:  thread.BoardID,
		AuthorID:      input.AuthorID,
		Kind:          entries.EntryKindPost,
		Body:          input.Body,
		AttachmentURL: input.AttachmentURL,
		ReplyTo:       replyTo,
	})
	if err != nil {
		return Post{}, err
	}
	s.enqueuer.Enqueue(entryID, thread.BoardID)

	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return Post{}, err
	}
	return postFromEntry(entry)
}

// LockThread toggles whether a thread accepts new posts. Lock state is local
// moderation metadata and is never published to the bound room.
func (s *Service) LockThread(ctx context.Context, threadID entries.EntryID, locked bool) (Thread, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if err := s.store.SetModerationFlags(ctx, threadID, thread.IsPinned, locked); err != nil {
		return Thread{}, err
	}
	return s.GetThread(ctx, threadID)
}

// PinThread toggles the pinned flag on a thread.
func (s *Service) PinThread(ctx context.Context, threadID entries.EntryID, pinned bool) (Thread, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if err := s.store.SetModerationFlags(ctx, threadID, pinned, thread.IsLocked); err != nil {
		return Thread{}, err
	}
	return s.GetThread(ctx, threadID)
}

// GetThread loads a single thread by id.
func (s *Service) GetThread(ctx context.Context, threadID entries.EntryID) (Thread, error) {
	entry, err := s.store.GetEntry(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if entry.Kind != string(entries.EntryKindThread) {
		return Thread{}, fmt.Errorf("boards.get_thread: %w", ErrNotAThread)
	}
	return threadFromEntry(entry)
}

// ListThreads returns threads in a board in creation order.
func (s *Service) ListThreads(ctx context.Context, boardName string, limit, offset int) ([]Thread, error) {
	board, err := s.GetBoard(ctx, boardName)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListEntries(ctx, board.BoardID, []entries.EntryKind{entries.EntryKindThread}, limit, offset)
	if err != nil {
		return nil, err
	}
	threads := make([]Thread, 0, len(rows))
	for _, row := range rows {
		thread, err := threadFromEntry(row)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// ListPosts returns the posts belonging to a thread in creation order.
func (s *Service) ListPosts(ctx context.Context, threadID entries.EntryID, limit, offset int) ([]Post, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListEntries(ctx, thread.BoardID, []entries.EntryKind{entries.EntryKindPost}, limit, offset)
	if err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(rows))
	for _, row := range rows {
		root, err := s.store.ResolveThreadFor(ctx, row)
		if err != nil {
			return nil, err
		}
		if root == nil || root.EntryID != thread.ThreadID.String() {
			continue
		}
		post, err := postFromEntry(row)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// PublishStatus reports the publication lifecycle of a thread or post.
func (s *Service) PublishStatus(ctx context.Context, entryID entries.EntryID) (entries.PublishState, error) {
	return s.store.PublishStatus(ctx, entryID)
}

func boardFromCollection(collection entries.Collection) (Board, error) {
	if collection.Kind != string(entries.CollectionKindBoard) {
		return Board{}, fmt.Errorf("boards: %w", ErrNotABoard)
	}
	boardID, err := entries.NewCollectionID(collection.CollectionID)
	if err != nil {
		return Board{}, err
	}
	name := ""
	if collection.Name != nil {
		name = *collection.Name
	}
	return Board{
		BoardID:          boardID,
		Name:             name,
		Title:            collection.Title,
		Description:      collection.Description,
		IsNSFW:           collection.IsNSFW,
		IsPrivate:        collection.IsPrivate,
		CreatedBy:        collection.CreatedBy,
		CreatedAtSeconds: collection.CreatedAtSeconds,
	}, nil
}

func threadFromEntry(entry entries.Entry) (Thread, error) {
	threadID, err := entries.NewEntryID(entry.EntryID)
	if err != nil {
		return Thread{}, err
	}
	boardID, err := entries.NewCollectionID(entry.CollectionID)
	if err != nil {
		return Thread{}, err
	}
	return Thread{
		ThreadID:           threadID,
		BoardID:            boardID,
		Title:              entry.Title,
		Body:               entry.Body,
		AttachmentURL:      entry.AttachmentURL,
		AuthorID:           entry.AuthorID,
		IsPinned:           entry.IsPinned,
		IsLocked:           entry.IsLocked,
		ReplyCount:         entry.ReplyCount,
		LastReplyAtSeconds: entry.LastReplyAtSeconds,
		PublishState:       entries.PublishState(entry.PublishState),
		CreatedAtSeconds:   entry.CreatedAtSeconds,
	}, nil
}

func postFromEntry(entry entries.Entry) (Post, error) {
	postID, err := entries.NewEntryID(entry.EntryID)
	if err != nil {
		return Post{}, err
	}
	boardID, err := entries.NewCollectionID(entry.CollectionID)
	if err != nil {
		return Post{}, err
	}
	post := Post{
		PostID:           postID,
		BoardID:          boardID,
		Body:             entry.Body,
		AttachmentURL:    entry.AttachmentURL,
		AuthorID:         entry.AuthorID,
		PublishState:     entries.PublishState(entry.PublishState),
		CreatedAtSeconds: entry.CreatedAtSeconds,
	}
	if entry.ReplyTo != nil {
		replyTo, err := entries.NewEntryID(*entry.ReplyTo)
		if err != nil {
			return Post{}, err
		}
		post.ReplyTo = &replyTo
	}
	return post, nil
}
