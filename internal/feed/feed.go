package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/docstream/docstream/internal/store"
	"github.com/docstream/docstream/pkg/metrics"
)

// Label classifies a projected change-feed event.
type Label string

const (
	// Existed marks a row that already matched the query at subscribe time.
	Existed Label = "existed"
	// AllLoaded is emitted exactly once, after the last Existed event.
	AllLoaded Label = "all-loaded"
	Created   Label = "created"
	Updated   Label = "updated"
	Deleted   Label = "deleted"
	// Metadata carries the point-in-time matching-row count taken at
	// subscribe time. It is emitted first and is not part of the raw stream.
	Metadata Label = "metadata"
)

// Event is one projected change-feed entry. Doc is set for document events,
// Count for Metadata.
type Event struct {
	Label Label
	Doc   store.Document
	Count int64
}

// Projector reclassifies a collection's raw change stream into labeled
// lifecycle events with a clear initial-load / live-update boundary.
type Projector struct {
	name string
	col  store.Collection
}

func NewProjector(name string, col store.Collection) *Projector {
	return &Projector{name: name, col: col}
}

// Subscribe opens a change stream for the filter and starts projecting.
// The subscriber owns the returned Subscription and must Close it.
func (p *Projector) Subscribe(ctx context.Context, f store.Filter) (*Subscription, error) {
	count, err := p.col.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("feed %s: count: %w", p.name, err)
	}
	stream, err := p.col.Changes(ctx, f, store.ChangeOptions{
		IncludeInitial:      true,
		IncludeStateMarkers: true,
	})
	if err != nil {
		return nil, fmt.Errorf("feed %s: changes: %w", p.name, err)
	}

	s := &Subscription{
		name:   p.name,
		stream: stream,
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go s.run(count)
	return s, nil
}

// Subscription is one live projection. Events are delivered in stream
// order on an unbuffered channel; the channel closes on Close or error.
type Subscription struct {
	name   string
	stream store.ChangeStream

	mu  sync.Mutex
	err error

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.out }

// Err reports why the subscription terminated, nil after a clean Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close moves the subscription to its terminal state and releases the
// underlying change stream. Buffered but unconsumed events are discarded.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.stream.Close()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Subscription) send(ev Event) bool {
	select {
	case s.out <- ev:
		metrics.FeedEvents.WithLabelValues(s.name, string(ev.Label)).Inc()
		return true
	case <-s.done:
		return false
	}
}

// run drives the Draining -> Live state machine. Raw events before the
// initial-scan marker are pre-existing rows; everything after is live and
// classified purely by shape. No event is dropped or coalesced.
func (s *Subscription) run(count int64) {
	defer close(s.out)
	defer s.stream.Close()

	if !s.send(Event{Label: Metadata, Count: count}) {
		return
	}

	live := false
	for raw := range s.stream.Events() {
		var ev Event
		switch {
		case raw.InitialScanComplete:
			if live {
				continue
			}
			live = true
			ev = Event{Label: AllLoaded}
		case raw.Old == nil:
			if live {
				ev = Event{Label: Created, Doc: raw.New}
			} else {
				ev = Event{Label: Existed, Doc: raw.New}
			}
		case raw.New == nil:
			ev = Event{Label: Deleted, Doc: raw.Old}
		default:
			ev = Event{Label: Updated, Doc: raw.New}
		}
		if !s.send(ev) {
			return
		}
	}

	if err := s.stream.Err(); err != nil {
		s.fail(fmt.Errorf("feed %s: %w", s.name, err))
	}
}
