package entries

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryDedup          = "collection_id = ? AND remote_event_id = ?"
	queryRemoteEventID  = "remote_event_id = ?"
	queryCursorName     = "name = ?"
	queryDedupBelow     = "server_seq <= ?"
	reasonDedupSelect   = "dedup_select_failed"
	reasonDedupInsert   = "dedup_insert_failed"
	reasonCursorUpsert  = "cursor_upsert_failed"
	provisionalTitle    = "(pending discovery)"
	fieldRoomID         = "room_id"
	fieldServerSeq      = "server_seq"
	defaultCursorName   = "primary"
	defaultListPageSize = 50
)

// DefaultCursorName identifies the singleton gateway subscription cursor.
const DefaultCursorName = defaultCursorName

// RemoteEventInput carries a decoded inbound event plus its stream position.
type RemoteEventInput struct {
	CursorName    string
	RoomID        RoomID
	RemoteEventID RemoteEventID
	ServerSeq     int64

	// Decoded payload fields. EntryID doubles as the client-generated
	// correlation id used to reconcile the echo of a local publish.
	EntryID           string
	CollectionID      string
	CollectionKind    CollectionKind
	AuthorID          string
	Kind              EntryKind
	Title             string
	Body              string
	MediaKind         string
	AttachmentURL     string
	ReplyTo           *string
	ClientTimeSeconds int64
}

// ApplyOutcome reports what a remote application did.
type ApplyOutcome struct {
	// Duplicate means the event id was already recorded for the collection.
	Duplicate bool
	// Created means a new entry row was materialized.
	Created bool
	// Reconciled means the event was the echo of a locally authored entry.
	Reconciled bool
	// Skipped means the event violated an invariant and was dropped; the
	// cursor still advanced so the stream keeps flowing.
	Skipped bool
	// SkipReason explains a skip.
	SkipReason string
	// EntryID is the local entry the event mapped to, when any.
	EntryID string
	// CollectionID is the collection the event resolved to.
	CollectionID string
}

// ApplyRemote applies one inbound event idempotently. The entry upsert,
// aggregate update, dedup insertion, and cursor advance commit as one atomic
// unit; partial application is impossible.
func (s *Store) ApplyRemote(ctx context.Context, input RemoteEventInput) (ApplyOutcome, error) {
	cursorName := input.CursorName
	if cursorName == "" {
		cursorName = DefaultCursorName
	}

	var outcome ApplyOutcome
	now := s.clock().UTC().Unix()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		collection, err := s.resolveCollection(tx, input, now)
		if err != nil {
			return err
		}
		outcome.CollectionID = collection.CollectionID

		var applied RemoteApplication
		err = tx.Where(queryDedup, collection.CollectionID, input.RemoteEventID.String()).
			Take(&applied).Error
		if err == nil {
			outcome.Duplicate = true
			return s.advanceCursor(tx, cursorName, input.ServerSeq, now)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opApplyRemote, reasonDedupSelect, err)
		}

		finish := func() error {
			dedup := RemoteApplication{
				CollectionID:     collection.CollectionID,
				RemoteEventID:    input.RemoteEventID.String(),
				ServerSeq:        input.ServerSeq,
				AppliedAtSeconds: now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&dedup).Error; err != nil {
				return newStoreError(opApplyRemote, reasonDedupInsert, err)
			}
			return s.advanceCursor(tx, cursorName, input.ServerSeq, now)
		}

		// Echo of a publish whose remote id was already backfilled.
		var materialized Entry
		err = tx.Where(queryRemoteEventID, input.RemoteEventID.String()).Take(&materialized).Error
		if err == nil {
			outcome.Reconciled = true
			outcome.EntryID = materialized.EntryID
			return finish()
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opApplyRemote, reasonEntrySelect, err)
		}

		// Echo of a publish that crashed before the remote id was backfilled.
		if input.EntryID != "" {
			var local Entry
			err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where(queryEntryID, input.EntryID).
				Take(&local).Error
			if err == nil {
				if local.PublishState == string(PublishStatePublished) {
					// A later duplicate publish of the same entry. The entry
					// already carries the remote id of the first echo; keep it.
					outcome.Skipped = true
					outcome.SkipReason = "entry_already_published"
					outcome.EntryID = local.EntryID
					return finish()
				}
				remoteID := input.RemoteEventID.String()
				local.RemoteEventID = &remoteID
				local.PublishState = string(PublishStatePublished)
				local.FailureReason = ""
				if err := tx.Save(&local).Error; err != nil {
					return newStoreError(opApplyRemote, reasonEntryUpdate, err)
				}
				outcome.Reconciled = true
				outcome.EntryID = local.EntryID
				return finish()
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newStoreError(opApplyRemote, reasonEntrySelect, err)
			}
		}

		if input.ReplyTo != nil {
			var parent Entry
			err := tx.Where(queryEntryID, *input.ReplyTo).Take(&parent).Error
			if err == nil && parent.CollectionID != collection.CollectionID {
				outcome.Skipped = true
				outcome.SkipReason = "cross_collection_reply"
				return finish()
			}
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return newStoreError(opApplyRemote, reasonEntrySelect, err)
			}
		}

		remoteID := input.RemoteEventID.String()
		entry := Entry{
			EntryID:          input.EntryID,
			CollectionID:     collection.CollectionID,
			AuthorID:         input.AuthorID,
			Kind:             input.Kind.String(),
			Title:            input.Title,
			Body:             input.Body,
			MediaKind:        input.MediaKind,
			AttachmentURL:    input.AttachmentURL,
			ReplyTo:          input.ReplyTo,
			RemoteEventID:    &remoteID,
			PublishState:     string(PublishStatePublished),
			CreatedAtSeconds: input.ClientTimeSeconds,
		}
		if entry.EntryID == "" {
			generated, err := s.idProvider.NewID()
			if err != nil {
				return newStoreError(opApplyRemote, "id_generation_failed", err)
			}
			entry.EntryID = generated
		}
		if entry.CreatedAtSeconds <= 0 {
			entry.CreatedAtSeconds = now
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newStoreError(opApplyRemote, reasonEntryInsert, err)
		}
		if err := applyAggregates(tx, collection, &entry, now); err != nil {
			return err
		}

		outcome.Created = true
		outcome.EntryID = entry.EntryID
		return finish()
	})
	if txErr != nil {
		s.logError(opApplyRemote, "transaction_failed", txErr,
			zap.String(fieldRoomID, input.RoomID.String()),
			zap.String(fieldRemoteEventID, input.RemoteEventID.String()),
			zap.Int64(fieldServerSeq, input.ServerSeq))
		return ApplyOutcome{}, txErr
	}
	return outcome, nil
}

// resolveCollection maps a room to its collection, lazily materializing a
// provisional collection for rooms this node was just invited into. The
// payload's collection id keeps provisional ids stable across nodes.
func (s *Store) resolveCollection(tx *gorm.DB, input RemoteEventInput, now int64) (*Collection, error) {
	var collection Collection
	err := tx.Where(queryCollectionByRoom, input.RoomID.String()).Take(&collection).Error
	if err == nil {
		return &collection, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newStoreError(opApplyRemote, reasonCollectionSelect, err)
	}

	if input.CollectionID != "" {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryCollectionID, input.CollectionID).
			Take(&collection).Error
		if err == nil {
			if collection.RoomID == nil {
				roomID := input.RoomID.String()
				collection.RoomID = &roomID
				if err := tx.Save(&collection).Error; err != nil {
					return nil, newStoreError(opApplyRemote, reasonCollectionUpdate, err)
				}
			}
			return &collection, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newStoreError(opApplyRemote, reasonCollectionSelect, err)
		}
	}

	collectionID := input.CollectionID
	if collectionID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return nil, newStoreError(opApplyRemote, "id_generation_failed", err)
		}
		collectionID = generated
	}
	kind := input.CollectionKind
	if kind == "" {
		kind = CollectionKindGroupChat
	}
	roomID := input.RoomID.String()
	provisional := Collection{
		CollectionID:     collectionID,
		Kind:             kind.String(),
		Title:            provisionalTitle,
		RoomID:           &roomID,
		IsProvisional:    true,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&provisional).Error; err != nil {
		return nil, newStoreError(opApplyRemote, "provisional_insert_failed", err)
	}
	return &provisional, nil
}

func (s *Store) advanceCursor(tx *gorm.DB, name string, position int64, now int64) error {
	var cursor SyncCursor
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryCursorName, name).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = SyncCursor{Name: name, Position: position, UpdatedAtSeconds: now}
		if err := tx.Create(&cursor).Error; err != nil {
			return newStoreError(opAdvanceCursor, reasonCursorUpsert, err)
		}
		return nil
	}
	if err != nil {
		return newStoreError(opAdvanceCursor, "cursor_select_failed", err)
	}
	if position <= cursor.Position {
		return nil
	}
	cursor.Position = position
	cursor.UpdatedAtSeconds = now
	if err := tx.Save(&cursor).Error; err != nil {
		return newStoreError(opAdvanceCursor, reasonCursorUpsert, err)
	}
	return nil
}

// AdvanceCursor durably advances the subscription cursor without applying an
// event. Used for events that are skipped rather than applied.
func (s *Store) AdvanceCursor(ctx context.Context, name string, position int64) error {
	if name == "" {
		name = DefaultCursorName
	}
	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.advanceCursor(tx, name, position, now)
	})
	if txErr != nil {
		s.logError(opAdvanceCursor, "transaction_failed", txErr, zap.Int64("position", position))
	}
	return txErr
}

// CursorPosition returns the durable resume position, zero when none exists.
func (s *Store) CursorPosition(ctx context.Context, name string) (int64, error) {
	if name == "" {
		name = DefaultCursorName
	}
	var cursor SyncCursor
	err := s.db.WithContext(ctx).Where(queryCursorName, name).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opCursorPosition, reasonQueryFailed, err)
		return 0, newStoreError(opCursorPosition, reasonQueryFailed, err)
	}
	return cursor.Position, nil
}

// PruneApplied deletes dedup records at or below the given stream position.
// Safe once the cursor has durably passed them: redelivery below the cursor
// is filtered by the subscription resume point.
func (s *Store) PruneApplied(ctx context.Context, below int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where(queryDedupBelow, below).
		Delete(&RemoteApplication{})
	if result.Error != nil {
		s.logError(opPruneApplied, "delete_failed", result.Error, zap.Int64("below", below))
		return 0, newStoreError(opPruneApplied, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
