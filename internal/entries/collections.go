package entries

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCollectionNameTaken indicates the requested collection name already exists.
var ErrCollectionNameTaken = errors.New("entries: collection name already taken")

const (
	opCreateCollection    = "entries.create_collection"
	opGetCollection       = "entries.get_collection"
	opListCollections     = "entries.list_collections"
	opRoomBinding         = "entries.room_binding"
	opRecordRoomBinding   = "entries.record_room_binding"
	queryCollectionByName = "name = ?"
	queryCollectionByRoom = "room_id = ?"
	queryCollectionKind   = "kind = ?"
	orderCreatedDesc      = "created_at_s DESC"
)

// NewCollectionInput describes a locally created board or chat.
type NewCollectionInput struct {
	Kind        CollectionKind
	Name        *string
	Title       string
	Description string
	IsNSFW      bool
	IsPrivate   bool
	CreatedBy   AuthorID
}

// CreateCollection durably commits a new collection with no room binding.
// Names, when present, are unique across all collections.
func (s *Store) CreateCollection(ctx context.Context, input NewCollectionInput) (CollectionID, error) {
	collectionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCollection, "id_generation_failed", err)
		return "", newStoreError(opCreateCollection, "id_generation_failed", err)
	}

	model := Collection{
		CollectionID:     collectionID,
		Kind:             input.Kind.String(),
		Name:             input.Name,
		Title:            input.Title,
		Description:      input.Description,
		IsNSFW:           input.IsNSFW,
		IsPrivate:        input.IsPrivate,
		CreatedBy:        input.CreatedBy.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.Name != nil {
			var existing Collection
			err := tx.Where(queryCollectionByName, *input.Name).Take(&existing).Error
			if err == nil {
				return newStoreError(opCreateCollection, "name_taken", ErrCollectionNameTaken)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newStoreError(opCreateCollection, reasonCollectionSelect, err)
			}
		}
		if err := tx.Create(&model).Error; err != nil {
			return newStoreError(opCreateCollection, "collection_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateCollection, "transaction_failed", txErr)
		return "", txErr
	}

	id, err := NewCollectionID(collectionID)
	if err != nil {
		return "", newStoreError(opCreateCollection, "collection_id_invalid", err)
	}
	return id, nil
}

// GetCollection loads a collection by its local identifier.
func (s *Store) GetCollection(ctx context.Context, collectionID CollectionID) (Collection, error) {
	var collection Collection
	err := s.db.WithContext(ctx).Where(queryCollectionID, collectionID.String()).Take(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, newStoreError(opGetCollection, "collection_missing", ErrCollectionNotFound)
	}
	if err != nil {
		s.logError(opGetCollection, reasonCollectionSelect, err, zap.String(fieldCollectionID, collectionID.String()))
		return Collection{}, newStoreError(opGetCollection, reasonCollectionSelect, err)
	}
	return collection, nil
}

// GetCollectionByName loads a named collection, typically a board slug.
func (s *Store) GetCollectionByName(ctx context.Context, name string) (Collection, error) {
	var collection Collection
	err := s.db.WithContext(ctx).Where(queryCollectionByName, name).Take(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, newStoreError(opGetCollection, "collection_missing", ErrCollectionNotFound)
	}
	if err != nil {
		s.logError(opGetCollection, reasonCollectionSelect, err, zap.String("name", name))
		return Collection{}, newStoreError(opGetCollection, reasonCollectionSelect, err)
	}
	return collection, nil
}

// ListCollections returns all collections of a kind, newest first.
func (s *Store) ListCollections(ctx context.Context, kind CollectionKind) ([]Collection, error) {
	var collections []Collection
	if err := s.db.WithContext(ctx).
		Where(queryCollectionKind, kind.String()).
		Order(orderCreatedDesc).
		Find(&collections).Error; err != nil {
		s.logError(opListCollections, reasonQueryFailed, err)
		return nil, newStoreError(opListCollections, reasonQueryFailed, err)
	}
	return collections, nil
}

// RoomBinding returns the room bound to a collection, or nil when unbound.
// This is the binder's read-only fast path.
func (s *Store) RoomBinding(ctx context.Context, collectionID CollectionID) (*RoomID, error) {
	collection, err := s.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, newStoreError(opRoomBinding, "collection_lookup_failed", err)
	}
	if collection.RoomID == nil {
		return nil, nil
	}
	roomID, err := NewRoomID(*collection.RoomID)
	if err != nil {
		return nil, newStoreError(opRoomBinding, "room_id_invalid", err)
	}
	return &roomID, nil
}

// RecordRoomBinding assigns a room to a collection exactly once. When another
// writer already bound the collection, the existing binding wins and is
// returned with recorded=false so the caller can discard its own room.
func (s *Store) RecordRoomBinding(ctx context.Context, collectionID CollectionID, roomID RoomID) (RoomID, bool, error) {
	var winner RoomID
	recorded := false

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var collection Collection
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryCollectionID, collectionID.String()).
			Take(&collection).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opRecordRoomBinding, "collection_missing", ErrCollectionNotFound)
		}
		if err != nil {
			return newStoreError(opRecordRoomBinding, reasonCollectionSelect, err)
		}

		if collection.RoomID != nil {
			existing, err := NewRoomID(*collection.RoomID)
			if err != nil {
				return newStoreError(opRecordRoomBinding, "room_id_invalid", err)
			}
			winner = existing
			return nil
		}

		value := roomID.String()
		collection.RoomID = &value
		if err := tx.Save(&collection).Error; err != nil {
			return newStoreError(opRecordRoomBinding, reasonCollectionUpdate, err)
		}
		winner = roomID
		recorded = true
		return nil
	})
	if txErr != nil {
		s.logError(opRecordRoomBinding, "transaction_failed", txErr,
			zap.String(fieldCollectionID, collectionID.String()),
			zap.String("room_id", roomID.String()))
		return "", false, txErr
	}
	return winner, recorded, nil
}
