package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const loopbackDomain = "loopback"

// ErrStreamClosed indicates the subscription was closed underneath a reader.
var ErrStreamClosed = errors.New("remote: stream closed")

// Loopback is an in-memory gateway that echoes every published event back to
// subscribers. It is a single-node stand-in for the federated substrate used
// in development and tests, honoring the same contract: per-room publish
// order, monotone server sequence, restartable subscriptions.
type Loopback struct {
	mu          sync.Mutex
	rooms       map[string]string
	log         []Event
	nextRoom    int64
	nextSeq     int64
	subscribers map[int64]*loopbackStream
	nextSub     int64
	bufferSize  int
}

// NewLoopback constructs an empty loopback gateway.
func NewLoopback() *Loopback {
	return &Loopback{
		rooms:       make(map[string]string),
		subscribers: make(map[int64]*loopbackStream),
		bufferSize:  64,
	}
}

// CreateRoom allocates a room identifier.
func (g *Loopback) CreateRoom(_ context.Context, kind string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextRoom++
	roomID := fmt.Sprintf("!%d:%s", g.nextRoom, loopbackDomain)
	g.rooms[roomID] = kind
	return roomID, nil
}

// Publish appends an event to the log and fans it out to live subscribers.
// Publishing to an unknown room is a permanent failure.
func (g *Loopback) Publish(_ context.Context, roomID string, payload []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.rooms[roomID]; !ok {
		return "", Permanent(fmt.Errorf("unknown room %s", roomID))
	}

	g.nextSeq++
	event := Event{
		RoomID:        roomID,
		RemoteEventID: fmt.Sprintf("$%d:%s", g.nextSeq, loopbackDomain),
		Payload:       append([]byte(nil), payload...),
		ServerSeq:     g.nextSeq,
	}
	g.log = append(g.log, event)

	for id, subscriber := range g.subscribers {
		select {
		case subscriber.live <- event:
		default:
			// The subscriber fell too far behind to buffer. Dropping the
			// event would leave a silent gap, so cut the stream instead;
			// the subscriber resubscribes from its durable cursor.
			subscriber.mu.Lock()
			subscriber.closed = true
			subscriber.mu.Unlock()
			close(subscriber.live)
			delete(g.subscribers, id)
		}
	}
	return event.RemoteEventID, nil
}

// Subscribe replays logged events above the cursor, then streams live ones.
func (g *Loopback) Subscribe(_ context.Context, sinceCursor int64) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var backlog []Event
	for _, event := range g.log {
		if event.ServerSeq > sinceCursor {
			backlog = append(backlog, event)
		}
	}

	g.nextSub++
	stream := &loopbackStream{
		gateway: g,
		id:      g.nextSub,
		backlog: backlog,
		live:    make(chan Event, g.bufferSize),
	}
	g.subscribers[stream.id] = stream
	return stream, nil
}

func (g *Loopback) unsubscribe(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribers, id)
}

type loopbackStream struct {
	gateway *Loopback
	id      int64
	backlog []Event
	live    chan Event
	closed  bool
	mu      sync.Mutex
	lastSeq int64
}

func (s *loopbackStream) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	if len(s.backlog) > 0 {
		event := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.lastSeq = event.ServerSeq
		s.mu.Unlock()
		return event, nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Event{}, Transient(ErrStreamClosed)
	}

	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case event, ok := <-s.live:
			if !ok {
				return Event{}, Transient(ErrStreamClosed)
			}
			s.mu.Lock()
			duplicate := event.ServerSeq <= s.lastSeq
			if !duplicate {
				s.lastSeq = event.ServerSeq
			}
			s.mu.Unlock()
			if duplicate {
				continue
			}
			return event, nil
		}
	}
}

func (s *loopbackStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.gateway.unsubscribe(s.id)
	return nil
}
