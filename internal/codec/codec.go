// Package codec serializes domain entries to the encrypted wire payload
// exchanged with the remote protocol. Payloads are canonical JSON sealed with
// AES-256-GCM; a plaintext version byte leads the frame so unknown schema
// revisions are detectable without key material.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// SchemaVersion is the current wire schema revision.
	SchemaVersion = 1

	keySize   = 32
	nonceSize = 12
)

var (
	// ErrInvalidKey indicates the at-rest key is not 32 bytes.
	ErrInvalidKey = errors.New("codec: encryption key must be 32 bytes")
	// ErrEncode indicates a payload could not be serialized or sealed.
	ErrEncode = errors.New("codec: encode failed")
	// ErrDecode indicates a payload failed authentication or parsing.
	// Tampered ciphertext surfaces here, never as wrong plaintext.
	ErrDecode = errors.New("codec: decode failed")
	// ErrUnsupportedVersion indicates an unrecognized schema revision.
	ErrUnsupportedVersion = errors.New("codec: unsupported schema version")
)

// EventPayload is the fixed wire schema for a domain entry.
type EventPayload struct {
	EntryID           string  `json:"entry_id"`
	CollectionID      string  `json:"collection_id"`
	CollectionKind    string  `json:"collection_kind"`
	AuthorID          string  `json:"author_id"`
	Kind              string  `json:"kind"`
	Title             string  `json:"title,omitempty"`
	Body              string  `json:"body"`
	MediaKind         string  `json:"media_kind,omitempty"`
	AttachmentURL     string  `json:"attachment_url,omitempty"`
	ReplyTo           *string `json:"reply_to,omitempty"`
	ClientTimeSeconds int64   `json:"client_time_s"`
}

// Codec applies and removes at-rest encryption on wire payloads. Safe for
// concurrent use; key material is read-only after construction.
type Codec struct {
	aead cipher.AEAD
}

// New constructs a Codec from 32 bytes of key material.
func New(key []byte) (*Codec, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Codec{aead: aead}, nil
}

// Encode serializes the payload and seals it. The frame layout is one version
// byte, a random 12-byte nonce, then ciphertext with the GCM tag appended.
func (c *Codec) Encode(payload EventPayload) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	frame := make([]byte, 0, 1+nonceSize+len(plaintext)+c.aead.Overhead())
	frame = append(frame, SchemaVersion)
	frame = append(frame, nonce...)
	frame = c.aead.Seal(frame, nonce, plaintext, nil)
	return frame, nil
}

// Decode reverses Encode. Authentication failures and garbled frames return
// ErrDecode; unknown version bytes return ErrUnsupportedVersion.
func (c *Codec) Decode(frame []byte) (EventPayload, error) {
	if len(frame) == 0 {
		return EventPayload{}, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	if frame[0] != SchemaVersion {
		return EventPayload{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, frame[0])
	}
	if len(frame) < 1+nonceSize+c.aead.Overhead() {
		return EventPayload{}, fmt.Errorf("%w: frame too short", ErrDecode)
	}

	nonce := frame[1 : 1+nonceSize]
	ciphertext := frame[1+nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return EventPayload{}, fmt.Errorf("%w: authentication failed", ErrDecode)
	}

	var payload EventPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return EventPayload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return payload, nil
}
