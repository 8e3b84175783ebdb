package entries

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func contextForTest() context.Context {
	return context.Background()
}

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("id generation exhausted")
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:palaver_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Collection{}, &Entry{}, &RemoteApplication{}, &SyncCursor{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustCollectionID(t *testing.T, value string) CollectionID {
	t.Helper()
	id, err := NewCollectionID(value)
	if err != nil {
		t.Fatalf("unexpected collection id error: %v", err)
	}
	return id
}

func mustEntryID(t *testing.T, value string) EntryID {
	t.Helper()
	id, err := NewEntryID(value)
	if err != nil {
		t.Fatalf("unexpected entry id error: %v", err)
	}
	return id
}

func mustAuthorID(t *testing.T, value string) AuthorID {
	t.Helper()
	id, err := NewAuthorID(value)
	if err != nil {
		t.Fatalf("unexpected author id error: %v", err)
	}
	return id
}

func mustRemoteEventID(t *testing.T, value string) RemoteEventID {
	t.Helper()
	id, err := NewRemoteEventID(value)
	if err != nil {
		t.Fatalf("unexpected remote event id error: %v", err)
	}
	return id
}

func mustRoomID(t *testing.T, value string) RoomID {
	t.Helper()
	id, err := NewRoomID(value)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	return id
}

func mustBoard(t *testing.T, store *Store, name string) CollectionID {
	t.Helper()
	id, err := store.CreateCollection(contextForTest(), NewCollectionInput{
		Kind:      CollectionKindBoard,
		Name:      &name,
		Title:     "Board " + name,
		CreatedBy: mustAuthorID(t, "creator-1"),
	})
	if err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	return id
}

func mustPendingEntry(t *testing.T, store *Store, collectionID CollectionID, kind EntryKind, body string, replyTo *EntryID) EntryID {
	t.Helper()
	id, err := store.CreatePending(contextForTest(), NewEntryInput{
		CollectionID: collectionID,
		AuthorID:     mustAuthorID(t, "author-1"),
		Kind:         kind,
		Body:         body,
		ReplyTo:      replyTo,
	})
	if err != nil {
		t.Fatalf("failed to create pending entry: %v", err)
	}
	return id
}
