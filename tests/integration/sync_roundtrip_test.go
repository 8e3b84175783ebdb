package integration_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/palaver-im/palaver/internal/codec"
	"github.com/palaver-im/palaver/internal/dispatch"
	"github.com/palaver-im/palaver/internal/entries"
	"github.com/palaver-im/palaver/internal/reconcile"
	"github.com/palaver-im/palaver/internal/remote"
	"github.com/palaver-im/palaver/internal/rooms"
)

// node bundles one process worth of sync machinery: its own database, outbox
// dispatcher and reconciler, all sharing the gateway with the other nodes.
type node struct {
	store      *entries.Store
	dispatcher *dispatch.Dispatcher
	stop       func()
}

type prefixIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *prefixIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newNodeStore(t *testing.T, name string) *entries.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:integration_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("%s: failed to open sqlite: %v", name, err)
	}
	if err := db.AutoMigrate(&entries.Collection{}, &entries.Entry{}, &entries.RemoteApplication{}, &entries.SyncCursor{}); err != nil {
		t.Fatalf("%s: failed to migrate: %v", name, err)
	}
	store, err := entries.NewStore(entries.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: &prefixIDGenerator{prefix: name},
	})
	if err != nil {
		t.Fatalf("%s: failed to construct store: %v", name, err)
	}
	return store
}

func startNode(t *testing.T, name string, gateway remote.Gateway, eventCodec *codec.Codec) *node {
	t.Helper()

	store := newNodeStore(t, name)
	binder, err := rooms.NewBinder(rooms.BinderConfig{Store: store, Gateway: gateway})
	if err != nil {
		t.Fatalf("%s: failed to construct binder: %v", name, err)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Store:          store,
		Gateway:        gateway,
		Codec:          eventCodec,
		Binder:         binder,
		BackoffBase:    time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
		RescanInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("%s: failed to construct dispatcher: %v", name, err)
	}
	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Store:       store,
		Gateway:     gateway,
		Codec:       eventCodec,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("%s: failed to construct reconciler: %v", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("%s: failed to start dispatcher: %v", name, err)
	}
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(ctx) //nolint:errcheck
	}()

	return &node{
		store:      store,
		dispatcher: dispatcher,
		stop: func() {
			cancel()
			dispatcher.Wait()
			select {
			case <-reconcilerDone:
			case <-time.After(5 * time.Second):
				t.Errorf("%s: reconciler did not stop", name)
			}
		},
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

// Two nodes share one event substrate. A thread committed on the first node
// must appear on the second, a reply committed on the second must appear on
// the first, and neither node may end up with duplicate rows.
func TestThreadAndReplyTravelBetweenNodes(t *testing.T) {
	gateway := remote.NewLoopback()
	eventCodec, err := codec.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}

	alpha := startNode(t, "alpha", gateway, eventCodec)
	defer alpha.stop()
	beta := startNode(t, "beta", gateway, eventCodec)
	defer beta.stop()

	author, err := entries.NewAuthorID("author-alpha")
	if err != nil {
		t.Fatalf("unexpected author id error: %v", err)
	}
	boardName := "general"
	boardID, err := alpha.store.CreateCollection(context.Background(), entries.NewCollectionInput{
		Kind:      entries.CollectionKindBoard,
		Name:      &boardName,
		Title:     "General",
		CreatedBy: author,
	})
	if err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	threadID, err := alpha.store.CreatePending(context.Background(), entries.NewEntryInput{
		CollectionID: boardID,
		AuthorID:     author,
		Kind:         entries.EntryKindThread,
		Title:        "Cross-node thread",
		Body:         "written on alpha",
	})
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	alpha.dispatcher.Enqueue(threadID, boardID)

	// The thread is published by alpha and materialized on beta under the
	// same collection id, in a provisional collection discovered from the
	// event payload.
	waitFor(t, "thread to reach beta", func() bool {
		_, err := beta.store.GetEntry(context.Background(), threadID)
		return err == nil
	})
	betaCollection, err := beta.store.GetCollection(context.Background(), boardID)
	if err != nil {
		t.Fatalf("beta is missing the discovered collection: %v", err)
	}
	if !betaCollection.IsProvisional {
		t.Fatalf("expected the discovered collection to be provisional")
	}
	if betaCollection.RoomID == nil {
		t.Fatalf("expected the discovered collection to adopt the room binding")
	}

	// Beta replies into the same collection; its dispatcher reuses the
	// adopted binding and alpha correlates the event into its board.
	betaAuthor, err := entries.NewAuthorID("author-beta")
	if err != nil {
		t.Fatalf("unexpected author id error: %v", err)
	}
	replyTo := threadID
	replyID, err := beta.store.CreatePending(context.Background(), entries.NewEntryInput{
		CollectionID: boardID,
		AuthorID:     betaAuthor,
		Kind:         entries.EntryKindPost,
		Body:         "reply from beta",
		ReplyTo:      &replyTo,
	})
	if err != nil {
		t.Fatalf("failed to create reply: %v", err)
	}
	beta.dispatcher.Enqueue(replyID, boardID)

	waitFor(t, "reply to reach alpha", func() bool {
		_, err := alpha.store.GetEntry(context.Background(), replyID)
		return err == nil
	})

	// Echoes must not have duplicated rows on either side.
	for _, side := range []struct {
		name  string
		store *entries.Store
	}{{"alpha", alpha.store}, {"beta", beta.store}} {
		waitFor(t, side.name+" to settle with no pending entries", func() bool {
			pending, err := side.store.ListPending(context.Background())
			return err == nil && len(pending) == 0
		})
		rows, err := side.store.ListEntries(context.Background(), boardID, nil, 0, 0)
		if err != nil {
			t.Fatalf("%s: unexpected list error: %v", side.name, err)
		}
		if len(rows) != 2 {
			t.Fatalf("%s: expected thread plus reply, got %d rows", side.name, len(rows))
		}
	}

	// The reply bumped the thread aggregates on the node that merely
	// observed it.
	alphaThread, err := alpha.store.GetEntry(context.Background(), threadID)
	if err != nil {
		t.Fatalf("unexpected thread lookup error: %v", err)
	}
	if alphaThread.ReplyCount != 1 {
		t.Fatalf("expected reply count 1 on alpha, got %d", alphaThread.ReplyCount)
	}
}

// publishCountingGateway counts Publish calls so a test can prove that no
// extra remote event was emitted.
type publishCountingGateway struct {
	*remote.Loopback
	mu    sync.Mutex
	count int
}

func (g *publishCountingGateway) Publish(ctx context.Context, roomID string, payload []byte) (string, error) {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
	return g.Loopback.Publish(ctx, roomID, payload)
}

func (g *publishCountingGateway) publishCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// A crash can land between the remote publish and the local confirmation: the
// entry is still pending while its echo already sits in the room. On restart
// the reconciler correlates the echo, and the dispatcher's recovery scan must
// not publish the entry a second time.
func TestRestartReconcilesEchoWithoutRepublishing(t *testing.T) {
	gateway := &publishCountingGateway{Loopback: remote.NewLoopback()}
	eventCodec, err := codec.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	store := newNodeStore(t, "crash")

	author, err := entries.NewAuthorID("author-alpha")
	if err != nil {
		t.Fatalf("unexpected author id error: %v", err)
	}
	boardName := "general"
	boardID, err := store.CreateCollection(context.Background(), entries.NewCollectionInput{
		Kind:      entries.CollectionKindBoard,
		Name:      &boardName,
		Title:     "General",
		CreatedBy: author,
	})
	if err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	roomID, err := gateway.CreateRoom(context.Background(), "board")
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	room, err := entries.NewRoomID(roomID)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	if _, _, err := store.RecordRoomBinding(context.Background(), boardID, room); err != nil {
		t.Fatalf("failed to record binding: %v", err)
	}
	entryID, err := store.CreatePending(context.Background(), entries.NewEntryInput{
		CollectionID: boardID,
		AuthorID:     author,
		Kind:         entries.EntryKindThread,
		Title:        "Interrupted thread",
		Body:         "published but never confirmed",
	})
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}

	// The pre-crash publish whose confirmation never committed.
	frame, err := eventCodec.Encode(codec.EventPayload{
		EntryID:           entryID.String(),
		CollectionID:      boardID.String(),
		CollectionKind:    "board",
		AuthorID:          author.String(),
		Kind:              "thread",
		Title:             "Interrupted thread",
		Body:              "published but never confirmed",
		ClientTimeSeconds: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	remoteEventID, err := gateway.Publish(context.Background(), roomID, frame)
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	// Restart: the reconciler drains the echo first.
	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Store:       store,
		Gateway:     gateway,
		Codec:       eventCodec,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(ctx) //nolint:errcheck
	}()
	waitFor(t, "echo to reconcile the pending entry", func() bool {
		state, err := store.PublishStatus(context.Background(), entryID)
		return err == nil && state == entries.PublishStatePublished
	})

	// The dispatcher's recovery scan now finds nothing pending.
	binder, err := rooms.NewBinder(rooms.BinderConfig{Store: store, Gateway: gateway})
	if err != nil {
		t.Fatalf("failed to construct binder: %v", err)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Store:          store,
		Gateway:        gateway,
		Codec:          eventCodec,
		Binder:         binder,
		BackoffBase:    time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
		RescanInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	dispatcher.Wait()
	select {
	case <-reconcilerDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("reconciler did not stop")
	}

	if calls := gateway.publishCalls(); calls != 1 {
		t.Fatalf("expected no republish after restart, got %d publishes", calls)
	}
	entry, err := store.GetEntry(context.Background(), entryID)
	if err != nil {
		t.Fatalf("unexpected entry lookup error: %v", err)
	}
	if entry.RemoteEventID == nil || *entry.RemoteEventID != remoteEventID {
		t.Fatalf("expected the entry bound to the pre-crash event, got %#v", entry.RemoteEventID)
	}
	rows, err := store.ListEntries(context.Background(), boardID, nil, 0, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single entry after recovery, got %d rows", len(rows))
	}
}
