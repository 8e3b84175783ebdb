package entries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrCollectionNotFound indicates the referenced collection does not exist.
	ErrCollectionNotFound = errors.New("entries: collection not found")
	// ErrEntryNotFound indicates the referenced entry does not exist.
	ErrEntryNotFound = errors.New("entries: entry not found")
	// ErrCrossCollectionReply indicates a reply referencing an entry in another collection.
	ErrCrossCollectionReply = errors.New("entries: reply references another collection")
	// ErrEntryNotPending indicates a publish-state transition from a non-pending entry.
	ErrEntryNotPending = errors.New("entries: entry is not pending")
)

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "entries.store.new"
	opCreatePending  = "entries.create_pending"
	opMarkPublished  = "entries.mark_published"
	opMarkFailed     = "entries.mark_failed"
	opListPending    = "entries.list_pending"
	opGetEntry       = "entries.get_entry"
	opPublishStatus  = "entries.publish_status"
	opListEntries    = "entries.list_entries"
	opApplyRemote    = "entries.apply_remote"
	opAdvanceCursor  = "entries.advance_cursor"
	opSetModeration  = "entries.set_moderation_flags"
	opCursorPosition = "entries.cursor_position"
	opPruneApplied   = "entries.prune_applied"

	fieldCollectionID  = "collection_id"
	fieldEntryID       = "entry_id"
	fieldRemoteEventID = "remote_event_id"

	queryEntryID           = "entry_id = ?"
	queryCollectionID      = "collection_id = ?"
	queryPublishState      = "publish_state = ?"
	orderSeqAsc            = "seq ASC"
	maxReplyChainDepth     = 32
	reasonMissingDatabase  = "missing_database"
	reasonEntrySelect      = "entry_select_failed"
	reasonEntryInsert      = "entry_insert_failed"
	reasonEntryUpdate      = "entry_update_failed"
	reasonCollectionSelect = "collection_select_failed"
	reasonCollectionUpdate = "collection_update_failed"
	reasonQueryFailed      = "query_failed"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// IDProvider issues globally unique identifiers for locally created records.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies required by the entity store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the relational projection shared by the outbox dispatcher and the
// inbound reconciler. All mutating operations are atomic at entry granularity;
// no transaction ever spans a remote round trip.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// NewEntryInput describes a locally authored entry awaiting durable commit.
type NewEntryInput struct {
	CollectionID  CollectionID
	AuthorID      AuthorID
	Kind          EntryKind
	Title         string
	Body          string
	MediaKind     string
	AttachmentURL string
	ReplyTo       *EntryID
}

// CreatePending durably commits a new entry with publish state pending and no
// remote event id, bumping collection and thread aggregates optimistically.
// It returns without any remote interaction.
func (s *Store) CreatePending(ctx context.Context, input NewEntryInput) (EntryID, error) {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePending, "id_generation_failed", err)
		return "", newStoreError(opCreatePending, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	model := Entry{
		EntryID:          entryID,
		CollectionID:     input.CollectionID.String(),
		AuthorID:         input.AuthorID.String(),
		Kind:             input.Kind.String(),
		Title:            input.Title,
		Body:             input.Body,
		MediaKind:        input.MediaKind,
		AttachmentURL:    input.AttachmentURL,
		PublishState:     string(PublishStatePending),
		CreatedAtSeconds: now,
	}
	if input.ReplyTo != nil {
		replyTo := input.ReplyTo.String()
		model.ReplyTo = &replyTo
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var collection Collection
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryCollectionID, input.CollectionID.String()).
			Take(&collection).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opCreatePending, "collection_missing", ErrCollectionNotFound)
		}
		if err != nil {
			return newStoreError(opCreatePending, reasonCollectionSelect, err)
		}

		if model.ReplyTo != nil {
			var parent Entry
			err := tx.Where(queryEntryID, *model.ReplyTo).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newStoreError(opCreatePending, "reply_target_missing", ErrEntryNotFound)
			}
			if err != nil {
				return newStoreError(opCreatePending, reasonEntrySelect, err)
			}
			if parent.CollectionID != model.CollectionID {
				return newStoreError(opCreatePending, "cross_collection_reply", ErrCrossCollectionReply)
			}
		}

		if err := tx.Create(&model).Error; err != nil {
			return newStoreError(opCreatePending, reasonEntryInsert, err)
		}

		return applyAggregates(tx, &collection, &model, now)
	})
	if txErr != nil {
		s.logError(opCreatePending, "transaction_failed", txErr,
			zap.String(fieldCollectionID, input.CollectionID.String()))
		return "", txErr
	}

	id, err := NewEntryID(entryID)
	if err != nil {
		return "", newStoreError(opCreatePending, "entry_id_invalid", err)
	}
	return id, nil
}

// MarkPublished backfills the remote event id obtained by the dispatcher and
// transitions the entry to published. Calling it again with the same remote
// event id is a no-op.
func (s *Store) MarkPublished(ctx context.Context, entryID EntryID, remoteEventID RemoteEventID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryEntryID, entryID.String()).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opMarkPublished, "entry_missing", ErrEntryNotFound)
		}
		if err != nil {
			return newStoreError(opMarkPublished, reasonEntrySelect, err)
		}

		if entry.PublishState == string(PublishStatePublished) {
			if entry.RemoteEventID != nil && *entry.RemoteEventID == remoteEventID.String() {
				return nil
			}
			return newStoreError(opMarkPublished, "already_published", ErrEntryNotPending)
		}
		if entry.PublishState != string(PublishStatePending) {
			return newStoreError(opMarkPublished, "not_pending", ErrEntryNotPending)
		}

		remoteID := remoteEventID.String()
		entry.RemoteEventID = &remoteID
		entry.PublishState = string(PublishStatePublished)
		entry.FailureReason = ""
		if err := tx.Save(&entry).Error; err != nil {
			return newStoreError(opMarkPublished, reasonEntryUpdate, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opMarkPublished, "transaction_failed", txErr,
			zap.String(fieldEntryID, entryID.String()),
			zap.String(fieldRemoteEventID, remoteEventID.String()))
	}
	return txErr
}

// MarkFailed records a permanent publish rejection. The entry remains
// queryable but is never retried automatically.
func (s *Store) MarkFailed(ctx context.Context, entryID EntryID, reason string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryEntryID, entryID.String()).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opMarkFailed, "entry_missing", ErrEntryNotFound)
		}
		if err != nil {
			return newStoreError(opMarkFailed, reasonEntrySelect, err)
		}
		if entry.PublishState != string(PublishStatePending) {
			return newStoreError(opMarkFailed, "not_pending", ErrEntryNotPending)
		}

		entry.PublishState = string(PublishStateFailed)
		entry.FailureReason = reason
		if err := tx.Save(&entry).Error; err != nil {
			return newStoreError(opMarkFailed, reasonEntryUpdate, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opMarkFailed, "transaction_failed", txErr, zap.String(fieldEntryID, entryID.String()))
	}
	return txErr
}

// PendingEntry identifies an entry awaiting publication, in creation order.
type PendingEntry struct {
	EntryID      EntryID
	CollectionID CollectionID
}

// ListPending returns all pending entries ordered by local insert sequence.
// The dispatcher's in-process queue is only a cache; this scan is the source
// of truth on restart.
func (s *Store) ListPending(ctx context.Context) ([]PendingEntry, error) {
	var rows []Entry
	if err := s.db.WithContext(ctx).
		Where(queryPublishState, string(PublishStatePending)).
		Order(orderSeqAsc).
		Find(&rows).Error; err != nil {
		s.logError(opListPending, reasonQueryFailed, err)
		return nil, newStoreError(opListPending, reasonQueryFailed, err)
	}

	pending := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		entryID, err := NewEntryID(row.EntryID)
		if err != nil {
			return nil, newStoreError(opListPending, "entry_id_invalid", err)
		}
		collectionID, err := NewCollectionID(row.CollectionID)
		if err != nil {
			return nil, newStoreError(opListPending, "collection_id_invalid", err)
		}
		pending = append(pending, PendingEntry{EntryID: entryID, CollectionID: collectionID})
	}
	return pending, nil
}

// GetEntry loads a single entry by its local identifier.
func (s *Store) GetEntry(ctx context.Context, entryID EntryID) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryEntryID, entryID.String()).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, newStoreError(opGetEntry, "entry_missing", ErrEntryNotFound)
	}
	if err != nil {
		s.logError(opGetEntry, reasonEntrySelect, err, zap.String(fieldEntryID, entryID.String()))
		return Entry{}, newStoreError(opGetEntry, reasonEntrySelect, err)
	}
	return entry, nil
}

// PublishStatus reports the publish lifecycle state of an entry.
func (s *Store) PublishStatus(ctx context.Context, entryID EntryID) (PublishState, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return "", newStoreError(opPublishStatus, "entry_lookup_failed", err)
	}
	return PublishState(entry.PublishState), nil
}

// ListEntries returns entries of the given kinds inside a collection in
// creation order, applying limit and offset for pagination.
func (s *Store) ListEntries(ctx context.Context, collectionID CollectionID, kinds []EntryKind, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).
		Where(queryCollectionID, collectionID.String()).
		Order(orderSeqAsc).
		Limit(limit).
		Offset(offset)
	if len(kinds) > 0 {
		values := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			values = append(values, kind.String())
		}
		query = query.Where("kind IN ?", values)
	}

	var rows []Entry
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opListEntries, reasonQueryFailed, err, zap.String(fieldCollectionID, collectionID.String()))
		return nil, newStoreError(opListEntries, reasonQueryFailed, err)
	}
	return rows, nil
}

// ResolveThreadFor walks a post's reply chain up to the thread entry that
// owns it. Returns nil when the chain leads nowhere.
func (s *Store) ResolveThreadFor(ctx context.Context, entry Entry) (*Entry, error) {
	if entry.ReplyTo == nil {
		return nil, nil
	}
	return resolveThreadRoot(s.db.WithContext(ctx), *entry.ReplyTo)
}

// SetModerationFlags updates the pinned and locked flags on an entry. The
// flags are local moderation state and never travel through the event log.
func (s *Store) SetModerationFlags(ctx context.Context, entryID EntryID, pinned, locked bool) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryEntryID, entryID.String()).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opSetModeration, "entry_missing", ErrEntryNotFound)
		}
		if err != nil {
			return newStoreError(opSetModeration, reasonEntrySelect, err)
		}

		entry.IsPinned = pinned
		entry.IsLocked = locked
		if err := tx.Save(&entry).Error; err != nil {
			return newStoreError(opSetModeration, reasonEntryUpdate, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSetModeration, "transaction_failed", txErr, zap.String(fieldEntryID, entryID.String()))
	}
	return txErr
}

// applyAggregates bumps the collection counters and, when the new entry is a
// reply, the root thread counters. Runs inside the caller's transaction so a
// duplicate suppression upstream keeps the counters monotonic.
func applyAggregates(tx *gorm.DB, collection *Collection, entry *Entry, appliedAt int64) error {
	if entry.Kind == string(EntryKindPost) || entry.Kind == string(EntryKindMessage) {
		collection.ReplyCount++
	}
	if appliedAt > collection.LastActivitySeconds {
		collection.LastActivitySeconds = appliedAt
	}
	if err := tx.Save(collection).Error; err != nil {
		return newStoreError(opCreatePending, reasonCollectionUpdate, err)
	}

	if entry.ReplyTo == nil || entry.Kind != string(EntryKindPost) {
		return nil
	}
	root, err := resolveThreadRoot(tx, *entry.ReplyTo)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	root.ReplyCount++
	if root.LastReplyAtSeconds == nil || appliedAt > *root.LastReplyAtSeconds {
		root.LastReplyAtSeconds = &appliedAt
	}
	if err := tx.Save(root).Error; err != nil {
		return newStoreError(opCreatePending, reasonEntryUpdate, err)
	}
	return nil
}

// resolveThreadRoot walks reply references upward until it reaches a thread
// entry. Chains deeper than maxReplyChainDepth give up rather than loop.
func resolveThreadRoot(tx *gorm.DB, entryID string) (*Entry, error) {
	current := entryID
	for depth := 0; depth < maxReplyChainDepth; depth++ {
		var target Entry
		err := tx.Where(queryEntryID, current).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, newStoreError(opCreatePending, reasonEntrySelect, err)
		}
		if target.Kind == string(EntryKindThread) {
			return &target, nil
		}
		if target.ReplyTo == nil {
			return nil, nil
		}
		current = *target.ReplyTo
	}
	return nil, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("entity store error", attrs...)
}
