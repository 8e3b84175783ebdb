// Package dispatch drains the durable outbox: every locally committed entry
// in publish state pending is eventually published to its collection's room.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/palaver-im/palaver/internal/codec"
	"github.com/palaver-im/palaver/internal/entries"
	"github.com/palaver-im/palaver/internal/remote"
	"github.com/palaver-im/palaver/internal/rooms"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("dispatch: entity store is required")
	errMissingGateway = errors.New("dispatch: remote gateway is required")
	errMissingCodec   = errors.New("dispatch: codec is required")
	errMissingBinder  = errors.New("dispatch: room binder is required")
	errAlreadyStarted = errors.New("dispatch: dispatcher already started")
	noOpLogger        = zap.NewNop()
)

const (
	defaultMaxWorkers     = 4
	defaultQueueCapacity  = 1024
	defaultRescanInterval = 30 * time.Second
)

// DispatcherConfig describes the dependencies and tunables of the dispatcher.
type DispatcherConfig struct {
	Store          *entries.Store
	Gateway        remote.Gateway
	Codec          *codec.Codec
	Binder         *rooms.Binder
	Logger         *zap.Logger
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxWorkers     int
	RescanInterval time.Duration
}

// Dispatcher publishes pending entries with a bounded worker pool. All work
// for one collection routes to the same worker, preserving per-collection
// FIFO order. The in-process queues are a cache; the pending scan against the
// store is the durable source of truth.
type Dispatcher struct {
	store          *entries.Store
	gateway        remote.Gateway
	codec          *codec.Codec
	binder         *rooms.Binder
	logger         *zap.Logger
	backoff        Backoff
	rescanInterval time.Duration

	queues  []chan entries.PendingEntry
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	if cfg.Binder == nil {
		return nil, errMissingBinder
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	rescan := cfg.RescanInterval
	if rescan <= 0 {
		rescan = defaultRescanInterval
	}

	queues := make([]chan entries.PendingEntry, workers)
	for i := range queues {
		queues[i] = make(chan entries.PendingEntry, defaultQueueCapacity)
	}

	return &Dispatcher{
		store:          cfg.Store,
		gateway:        cfg.Gateway,
		codec:          cfg.Codec,
		binder:         cfg.Binder,
		logger:         logger,
		backoff:        Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		rescanInterval: rescan,
		queues:         queues,
	}, nil
}

// Start re-enqueues every pending entry found in the store, then launches the
// worker pool and the periodic rescan. It returns once the loops are running;
// cancel the context to stop and call Wait to drain.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	if err := d.rescan(ctx); err != nil {
		return err
	}

	for i := range d.queues {
		queue := d.queues[i]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx, queue)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.rescan(ctx); err != nil {
					d.logger.Warn("outbox rescan failed", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// Wait blocks until all workers have exited after cancellation.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue hands a freshly committed entry to its collection's worker. It never
// blocks: when the queue is full the entry is deferred to the periodic rescan.
func (d *Dispatcher) Enqueue(entryID entries.EntryID, collectionID entries.CollectionID) {
	pending := entries.PendingEntry{EntryID: entryID, CollectionID: collectionID}
	select {
	case d.queueFor(collectionID) <- pending:
	default:
		d.logger.Warn("outbox queue full, deferring to rescan",
			zap.String("entry_id", entryID.String()),
			zap.String("collection_id", collectionID.String()))
	}
}

func (d *Dispatcher) queueFor(collectionID entries.CollectionID) chan entries.PendingEntry {
	hasher := fnv.New32a()
	hasher.Write([]byte(collectionID.String()))
	return d.queues[int(hasher.Sum32())%len(d.queues)]
}

func (d *Dispatcher) rescan(ctx context.Context) error {
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, item := range pending {
		select {
		case d.queueFor(item.CollectionID) <- item:
		default:
			// Queue full; the next rescan picks it up.
		}
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, queue <-chan entries.PendingEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-queue:
			d.publish(ctx, pending)
		}
	}
}

// publish drives one entry through bind, encode, and gateway publish.
// Transient failures retry with backoff for as long as the process lives;
// permanent failures mark the entry failed after a single attempt.
func (d *Dispatcher) publish(ctx context.Context, pending entries.PendingEntry) {
	// Store commits run to completion even when shutdown races a publish.
	commitCtx := context.WithoutCancel(ctx)

	entry, err := d.store.GetEntry(commitCtx, pending.EntryID)
	if err != nil {
		d.logger.Warn("pending entry lookup failed", zap.Error(err),
			zap.String("entry_id", pending.EntryID.String()))
		return
	}
	if entry.PublishState != string(entries.PublishStatePending) {
		// Rescan duplicate or remote echo already reconciled it.
		return
	}

	collection, err := d.store.GetCollection(commitCtx, pending.CollectionID)
	if err != nil {
		d.logger.Warn("pending collection lookup failed", zap.Error(err),
			zap.String("collection_id", pending.CollectionID.String()))
		return
	}

	roomID, err := d.bindWithRetry(ctx, pending.CollectionID)
	if err != nil {
		if remote.IsPermanent(err) {
			d.failEntry(commitCtx, pending.EntryID, err.Error())
		}
		return
	}

	payload, err := d.codec.Encode(codec.EventPayload{
		EntryID:           entry.EntryID,
		CollectionID:      entry.CollectionID,
		CollectionKind:    collection.Kind,
		AuthorID:          entry.AuthorID,
		Kind:              entry.Kind,
		Title:             entry.Title,
		Body:              entry.Body,
		MediaKind:         entry.MediaKind,
		AttachmentURL:     entry.AttachmentURL,
		ReplyTo:           entry.ReplyTo,
		ClientTimeSeconds: entry.CreatedAtSeconds,
	})
	if err != nil {
		d.failEntry(commitCtx, pending.EntryID, "payload encode failed")
		return
	}

	for attempt := 0; ; attempt++ {
		remoteEventID, err := d.gateway.Publish(ctx, roomID.String(), payload)
		if err == nil {
			eventID, idErr := entries.NewRemoteEventID(remoteEventID)
			if idErr != nil {
				d.failEntry(commitCtx, pending.EntryID, "remote event id invalid")
				return
			}
			if err := d.store.MarkPublished(commitCtx, pending.EntryID, eventID); err != nil {
				d.logger.Error("mark published failed", zap.Error(err),
					zap.String("entry_id", pending.EntryID.String()))
			}
			return
		}
		if remote.IsPermanent(err) {
			d.logger.Warn("publish rejected permanently", zap.Error(err),
				zap.String("entry_id", pending.EntryID.String()))
			d.failEntry(commitCtx, pending.EntryID, err.Error())
			return
		}

		d.logger.Debug("publish failed, backing off", zap.Error(err),
			zap.String("entry_id", pending.EntryID.String()),
			zap.Int("attempt", attempt))
		if !d.backoff.Sleep(ctx.Done(), attempt) {
			return
		}
	}
}

// bindWithRetry resolves the collection's room, retrying transient binding
// failures. This is the one place dispatch may block on a remote round trip.
func (d *Dispatcher) bindWithRetry(ctx context.Context, collectionID entries.CollectionID) (entries.RoomID, error) {
	for attempt := 0; ; attempt++ {
		roomID, err := d.binder.Bind(ctx, collectionID)
		if err == nil {
			return roomID, nil
		}
		if remote.IsPermanent(err) {
			d.logger.Warn("room binding rejected permanently", zap.Error(err),
				zap.String("collection_id", collectionID.String()))
			return "", err
		}
		d.logger.Debug("room binding failed, backing off", zap.Error(err),
			zap.String("collection_id", collectionID.String()),
			zap.Int("attempt", attempt))
		if !d.backoff.Sleep(ctx.Done(), attempt) {
			return "", ctx.Err()
		}
	}
}

func (d *Dispatcher) failEntry(ctx context.Context, entryID entries.EntryID, reason string) {
	if err := d.store.MarkFailed(ctx, entryID, reason); err != nil {
		d.logger.Error("mark failed failed", zap.Error(err),
			zap.String("entry_id", entryID.String()))
	}
}
