// Package rooms maintains the one-to-one mapping between local collections
// and remote rooms, creating rooms on demand.
package rooms

import (
	"context"
	"errors"
	"sync"

	"github.com/palaver-im/palaver/internal/entries"
	"github.com/palaver-im/palaver/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("rooms: entity store is required")
	errMissingGateway = errors.New("rooms: remote gateway is required")
	noOpLogger        = zap.NewNop()
)

// BinderConfig describes the dependencies required by the room binder.
type BinderConfig struct {
	Store   *entries.Store
	Gateway remote.Gateway
	Logger  *zap.Logger
}

// Binder assigns each collection a remote room at most once. Concurrent first
// writers race on a per-collection lock; the loser adopts the winner's
// binding and abandons its own room creation.
type Binder struct {
	store   *entries.Store
	gateway remote.Gateway
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBinder validates the configuration and constructs a Binder.
func NewBinder(cfg BinderConfig) (*Binder, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Binder{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Bind returns the room bound to the collection, creating one when absent.
// Already-bound collections take a read-only fast path with no remote call.
func (b *Binder) Bind(ctx context.Context, collectionID entries.CollectionID) (entries.RoomID, error) {
	if bound, err := b.store.RoomBinding(ctx, collectionID); err != nil {
		return "", err
	} else if bound != nil {
		return *bound, nil
	}

	lock := b.collectionLock(collectionID.String())
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock; another local writer may have bound meanwhile.
	if bound, err := b.store.RoomBinding(ctx, collectionID); err != nil {
		return "", err
	} else if bound != nil {
		return *bound, nil
	}

	collection, err := b.store.GetCollection(ctx, collectionID)
	if err != nil {
		return "", err
	}

	// The remote round trip happens outside any store transaction.
	createdRoom, err := b.gateway.CreateRoom(ctx, collection.Kind)
	if err != nil {
		return "", err
	}
	roomID, err := entries.NewRoomID(createdRoom)
	if err != nil {
		return "", err
	}

	winner, recorded, err := b.store.RecordRoomBinding(ctx, collectionID, roomID)
	if err != nil {
		return "", err
	}
	if !recorded {
		// Lost the race to a concurrent writer on another node. The room we
		// created dangles as an orphan; acceptable leak, not a correctness
		// violation.
		b.logger.Warn("discarding room after losing bind race",
			zap.String("collection_id", collectionID.String()),
			zap.String("orphan_room_id", roomID.String()),
			zap.String("bound_room_id", winner.String()))
	}
	return winner, nil
}

func (b *Binder) collectionLock(collectionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[collectionID]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[collectionID] = lock
	}
	return lock
}
