package codec

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for 16-byte key, got %v", err)
	}
	if _, err := New(nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for nil key, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}

	replyTo := "entry-parent"
	payload := EventPayload{
		EntryID:           "entry-1",
		CollectionID:      "collection-1",
		CollectionKind:    "board",
		AuthorID:          "author-1",
		Kind:              "post",
		Title:             "a title",
		Body:              "hello world",
		MediaKind:         "image",
		AttachmentURL:     "https://example.test/picture.png",
		ReplyTo:           &replyTo,
		ClientTimeSeconds: 1700000000,
	}

	frame, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if frame[0] != SchemaVersion {
		t.Fatalf("expected version byte %d, got %d", SchemaVersion, frame[0])
	}
	if bytes.Contains(frame, []byte("hello world")) {
		t.Fatalf("plaintext body leaked into the frame")
	}

	decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.EntryID != payload.EntryID || decoded.Body != payload.Body {
		t.Fatalf("round trip mismatch: %#v", decoded)
	}
	if decoded.MediaKind != "image" {
		t.Fatalf("expected media kind to survive, got %q", decoded.MediaKind)
	}
	if decoded.ReplyTo == nil || *decoded.ReplyTo != replyTo {
		t.Fatalf("expected reply_to to survive, got %#v", decoded.ReplyTo)
	}
}

func TestEncodeProducesFreshNonces(t *testing.T) {
	codec, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	payload := EventPayload{EntryID: "entry-1", Body: "same body"}

	first, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	second, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatalf("two encodings of the same payload produced identical frames")
	}
}

func TestDecodeRejectsTamperedFrame(t *testing.T) {
	codec, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	frame, err := codec.Encode(EventPayload{EntryID: "entry-1", Body: "body"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	frame[len(frame)-1] ^= 0x01
	if _, err := codec.Decode(frame); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for tampered frame, got %v", err)
	}
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	encoder, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	otherKey := testKey()
	otherKey[0] ^= 0xff
	decoder, err := New(otherKey)
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}

	frame, err := encoder.Encode(EventPayload{EntryID: "entry-1", Body: "body"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if _, err := decoder.Decode(frame); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode under the wrong key, got %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	codec, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	frame, err := codec.Encode(EventPayload{EntryID: "entry-1", Body: "body"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	frame[0] = SchemaVersion + 1
	if _, err := codec.Decode(frame); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	codec, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}

	if _, err := codec.Decode(nil); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for empty frame, got %v", err)
	}
	if _, err := codec.Decode([]byte{SchemaVersion, 0x01, 0x02}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for truncated frame, got %v", err)
	}
}

func TestConcurrentEncodeDecode(t *testing.T) {
	codec, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := EventPayload{EntryID: "entry", Body: "body", ClientTimeSeconds: int64(n)}
			frame, err := codec.Encode(payload)
			if err != nil {
				errCh <- err
				return
			}
			decoded, err := codec.Decode(frame)
			if err != nil {
				errCh <- err
				return
			}
			if decoded.ClientTimeSeconds != int64(n) {
				errCh <- errors.New("payload mismatch under concurrency")
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent use failed: %v", err)
	}
}
