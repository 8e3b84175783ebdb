package entries

import (
	"errors"
	"testing"
)

func TestCreateCollectionRejectsDuplicateName(t *testing.T) {
	store, _ := newTestStore(t)
	mustBoard(t, store, "general")

	name := "general"
	_, err := store.CreateCollection(contextForTest(), NewCollectionInput{
		Kind:      CollectionKindBoard,
		Name:      &name,
		Title:     "Another general",
		CreatedBy: mustAuthorID(t, "creator-2"),
	})
	if !errors.Is(err, ErrCollectionNameTaken) {
		t.Fatalf("expected ErrCollectionNameTaken, got %v", err)
	}
}

func TestUnnamedCollectionsDoNotCollide(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 2; i++ {
		_, err := store.CreateCollection(contextForTest(), NewCollectionInput{
			Kind:      CollectionKindGroupChat,
			Title:     "a chat",
			IsPrivate: true,
			CreatedBy: mustAuthorID(t, "creator-1"),
		})
		if err != nil {
			t.Fatalf("unexpected error creating unnamed collection: %v", err)
		}
	}
}

func TestGetCollectionByName(t *testing.T) {
	store, _ := newTestStore(t)
	boardID := mustBoard(t, store, "random")

	collection, err := store.GetCollectionByName(contextForTest(), "random")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if collection.CollectionID != boardID.String() {
		t.Fatalf("expected %s, got %s", boardID, collection.CollectionID)
	}

	if _, err := store.GetCollectionByName(contextForTest(), "absent"); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestListCollectionsFiltersByKind(t *testing.T) {
	store, _ := newTestStore(t)
	mustBoard(t, store, "one")
	mustBoard(t, store, "two")
	if _, err := store.CreateCollection(contextForTest(), NewCollectionInput{
		Kind:      CollectionKindGroupChat,
		Title:     "chat",
		CreatedBy: mustAuthorID(t, "creator-1"),
	}); err != nil {
		t.Fatalf("unexpected chat creation error: %v", err)
	}

	boards, err := store.ListCollections(contextForTest(), CollectionKindBoard)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("expected 2 boards, got %d", len(boards))
	}
}

func TestRecordRoomBindingFirstWriterWins(t *testing.T) {
	store, _ := newTestStore(t)
	boardID := mustBoard(t, store, "general")

	binding, err := store.RoomBinding(contextForTest(), boardID)
	if err != nil {
		t.Fatalf("unexpected binding lookup error: %v", err)
	}
	if binding != nil {
		t.Fatalf("expected unbound collection, got %v", *binding)
	}

	winner, recorded, err := store.RecordRoomBinding(contextForTest(), boardID, mustRoomID(t, "!1:remote"))
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if !recorded || winner.String() != "!1:remote" {
		t.Fatalf("expected first binding to be recorded, got %v recorded=%v", winner, recorded)
	}

	winner, recorded, err = store.RecordRoomBinding(contextForTest(), boardID, mustRoomID(t, "!2:remote"))
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if recorded {
		t.Fatalf("expected second binding to lose the race")
	}
	if winner.String() != "!1:remote" {
		t.Fatalf("expected existing binding to win, got %v", winner)
	}
}
