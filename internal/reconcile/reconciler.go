// Package reconcile drains the remote event stream into the local projection,
// idempotently, behind a durable cursor.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/palaver-im/palaver/internal/codec"
	"github.com/palaver-im/palaver/internal/dispatch"
	"github.com/palaver-im/palaver/internal/entries"
	"github.com/palaver-im/palaver/internal/remote"
	"go.uber.org/zap"
)

// State tracks the reconciliation loop lifecycle.
type State string

const (
	// StateStarting means the loop has not yet subscribed.
	StateStarting State = "starting"
	// StateStreaming means events are being drained.
	StateStreaming State = "streaming"
	// StateBackoff means the stream broke and a reconnect is pending.
	StateBackoff State = "backoff"
	// StateStopped means the loop exited after a shutdown signal.
	StateStopped State = "stopped"
)

var (
	errMissingStore   = errors.New("reconcile: entity store is required")
	errMissingGateway = errors.New("reconcile: remote gateway is required")
	errMissingCodec   = errors.New("reconcile: codec is required")
	noOpLogger        = zap.NewNop()
)

const defaultPruneEvery = 256

// ReconcilerConfig describes the dependencies and tunables of the reconciler.
type ReconcilerConfig struct {
	Store       *entries.Store
	Gateway     remote.Gateway
	Codec       *codec.Codec
	Logger      *zap.Logger
	BackoffBase time.Duration
	BackoffCap  time.Duration
	CursorName  string
	// PruneEvery bounds the dedup table: after this many applied events the
	// records below the durable cursor are deleted.
	PruneEvery int
}

// Reconciler is the singleton consumer of the gateway subscription. Events
// from one stream apply strictly in delivery order; malformed payloads are
// skipped so the stream never stalls.
type Reconciler struct {
	store      *entries.Store
	gateway    remote.Gateway
	codec      *codec.Codec
	logger     *zap.Logger
	backoff    dispatch.Backoff
	cursorName string
	pruneEvery int

	mu      sync.Mutex
	state   State
	applied int
}

// NewReconciler validates the configuration and constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cursorName := cfg.CursorName
	if cursorName == "" {
		cursorName = entries.DefaultCursorName
	}
	pruneEvery := cfg.PruneEvery
	if pruneEvery <= 0 {
		pruneEvery = defaultPruneEvery
	}

	return &Reconciler{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		codec:      cfg.Codec,
		logger:     logger,
		backoff:    dispatch.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		cursorName: cursorName,
		pruneEvery: pruneEvery,
		state:      StateStarting,
	}, nil
}

// CurrentState reports the loop state.
func (r *Reconciler) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// Run drives the subscription until the context is canceled. Stream breaks
// reconnect from the last committed cursor with backoff; an in-flight atomic
// commit always finishes before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.setState(StateStopped)

	for attempt := 0; ; {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cursor, err := r.store.CursorPosition(ctx, r.cursorName)
		if err != nil {
			return err
		}

		stream, err := r.gateway.Subscribe(ctx, cursor)
		if err != nil {
			r.setState(StateBackoff)
			r.logger.Warn("subscribe failed, backing off", zap.Error(err), zap.Int("attempt", attempt))
			if !r.backoff.Sleep(ctx.Done(), attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		r.setState(StateStreaming)
		attempt = 0
		r.logger.Info("streaming remote events", zap.Int64("cursor", cursor))

		streamErr := r.drain(ctx, stream)
		stream.Close() //nolint:errcheck
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.setState(StateBackoff)
		r.logger.Warn("stream interrupted, reconnecting", zap.Error(streamErr))
		if !r.backoff.Sleep(ctx.Done(), 0) {
			return ctx.Err()
		}
	}
}

func (r *Reconciler) drain(ctx context.Context, stream remote.Stream) error {
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := r.apply(ctx, event); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// apply processes one event. Decode failures and invariant violations skip
// the event but still advance the cursor: availability over completeness.
// A store failure is different: the event must not be skipped, so the error
// interrupts the drain and the event is redelivered from the durable cursor.
func (r *Reconciler) apply(ctx context.Context, event remote.Event) error {
	// The atomic commit outlives a shutdown signal arriving mid-apply.
	commitCtx := context.WithoutCancel(ctx)

	payload, err := r.codec.Decode(event.Payload)
	if err != nil {
		r.logger.Warn("skipping undecodable event", zap.Error(err),
			zap.String("room_id", event.RoomID),
			zap.String("remote_event_id", event.RemoteEventID),
			zap.Int64("server_seq", event.ServerSeq))
		return r.advance(commitCtx, event.ServerSeq)
	}

	input, err := r.toInput(event, payload)
	if err != nil {
		r.logger.Warn("skipping malformed event", zap.Error(err),
			zap.String("remote_event_id", event.RemoteEventID))
		return r.advance(commitCtx, event.ServerSeq)
	}

	outcome, err := r.store.ApplyRemote(commitCtx, input)
	if err != nil {
		// Local durability failure: the store is the system of record, so
		// the drain stops here and the event is retried after backoff.
		r.logger.Error("remote application failed", zap.Error(err),
			zap.String("remote_event_id", event.RemoteEventID))
		return err
	}

	if outcome.Skipped {
		r.logger.Warn("event violated an invariant and was dropped",
			zap.String("remote_event_id", event.RemoteEventID),
			zap.String("reason", outcome.SkipReason))
	}

	r.mu.Lock()
	r.applied++
	prune := r.applied%r.pruneEvery == 0
	r.mu.Unlock()
	if prune {
		if pruned, err := r.store.PruneApplied(commitCtx, event.ServerSeq); err == nil && pruned > 0 {
			r.logger.Debug("pruned applied-event records", zap.Int64("pruned", pruned))
		}
	}
	return nil
}

func (r *Reconciler) advance(ctx context.Context, position int64) error {
	if err := r.store.AdvanceCursor(ctx, r.cursorName, position); err != nil {
		r.logger.Error("cursor advance failed", zap.Error(err), zap.Int64("position", position))
		return err
	}
	return nil
}

func (r *Reconciler) toInput(event remote.Event, payload codec.EventPayload) (entries.RemoteEventInput, error) {
	roomID, err := entries.NewRoomID(event.RoomID)
	if err != nil {
		return entries.RemoteEventInput{}, err
	}
	remoteEventID, err := entries.NewRemoteEventID(event.RemoteEventID)
	if err != nil {
		return entries.RemoteEventInput{}, err
	}
	kind, err := entries.NewEntryKind(payload.Kind)
	if err != nil {
		return entries.RemoteEventInput{}, err
	}
	var collectionKind entries.CollectionKind
	if payload.CollectionKind != "" {
		collectionKind, err = entries.NewCollectionKind(payload.CollectionKind)
		if err != nil {
			return entries.RemoteEventInput{}, err
		}
	}

	return entries.RemoteEventInput{
		CursorName:        r.cursorName,
		RoomID:            roomID,
		RemoteEventID:     remoteEventID,
		ServerSeq:         event.ServerSeq,
		EntryID:           payload.EntryID,
		CollectionID:      payload.CollectionID,
		CollectionKind:    collectionKind,
		AuthorID:          payload.AuthorID,
		Kind:              kind,
		Title:             payload.Title,
		Body:              payload.Body,
		MediaKind:         payload.MediaKind,
		AttachmentURL:     payload.AttachmentURL,
		ReplyTo:           payload.ReplyTo,
		ClientTimeSeconds: payload.ClientTimeSeconds,
	}, nil
}
