package entries

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCollectionID indicates that a collection identifier is empty or exceeds storage bounds.
	ErrInvalidCollectionID = errors.New("entries: invalid collection id")
	// ErrInvalidEntryID indicates that an entry identifier is empty or exceeds storage bounds.
	ErrInvalidEntryID = errors.New("entries: invalid entry id")
	// ErrInvalidAuthorID indicates that an author identifier is empty or exceeds storage bounds.
	ErrInvalidAuthorID = errors.New("entries: invalid author id")
	// ErrInvalidRemoteEventID indicates that a remote event identifier is empty or exceeds storage bounds.
	ErrInvalidRemoteEventID = errors.New("entries: invalid remote event id")
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("entries: invalid room id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("entries: invalid unix timestamp")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// CollectionID represents a validated collection identifier.
type CollectionID string

// NewCollectionID validates raw input and returns a CollectionID.
func NewCollectionID(rawInput string) (CollectionID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidCollectionID)
	if err != nil {
		return "", err
	}
	return CollectionID(value), nil
}

// String returns the underlying string identifier.
func (id CollectionID) String() string {
	return string(id)
}

// EntryID represents a validated entry identifier.
type EntryID string

// NewEntryID validates raw input and returns an EntryID.
func NewEntryID(rawInput string) (EntryID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidEntryID)
	if err != nil {
		return "", err
	}
	return EntryID(value), nil
}

// String returns the underlying string identifier.
func (id EntryID) String() string {
	return string(id)
}

// AuthorID represents a validated author identifier.
type AuthorID string

// NewAuthorID validates raw input and returns an AuthorID.
func NewAuthorID(rawInput string) (AuthorID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidAuthorID)
	if err != nil {
		return "", err
	}
	return AuthorID(value), nil
}

// String returns the underlying string identifier.
func (id AuthorID) String() string {
	return string(id)
}

// RemoteEventID represents a validated remote event identifier.
type RemoteEventID string

// NewRemoteEventID validates raw input and returns a RemoteEventID.
func NewRemoteEventID(rawInput string) (RemoteEventID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidRemoteEventID)
	if err != nil {
		return "", err
	}
	return RemoteEventID(value), nil
}

// String returns the underlying string identifier.
func (id RemoteEventID) String() string {
	return string(id)
}

// RoomID represents a validated remote room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidRoomID)
	if err != nil {
		return "", err
	}
	return RoomID(value), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}
