package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by unit tests and local development.
// Every suspension point the mongo adapter has is mirrored here, including
// change streams, so the layers above can be exercised without a database.
type Memory struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memoryCollection)}
}

func (m *Memory) Collection(name string) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		c = &memoryCollection{
			docs: make(map[string]Document),
			subs: make(map[*memoryChangeStream]struct{}),
		}
		m.collections[name] = c
	}
	return c
}

type memoryCollection struct {
	mu   sync.Mutex
	docs map[string]Document
	subs map[*memoryChangeStream]struct{}
}

func (c *memoryCollection) Get(_ context.Context, id string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (c *memoryCollection) Find(_ context.Context, q Query) ([]Document, error) {
	c.mu.Lock()
	out := make([]Document, 0, len(c.docs))
	for _, doc := range c.docs {
		if q.Filter.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	c.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i][q.OrderBy], out[j][q.OrderBy]) < 0
			if q.Descending {
				return !less
			}
			return less
		})
	}
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			out = out[:0]
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (c *memoryCollection) Insert(_ context.Context, doc Document) (Document, error) {
	id := doc.ID()
	if id == "" {
		return nil, fmt.Errorf("insert: document has no id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[id]; exists {
		return nil, ErrDuplicateID
	}
	stored := doc.Clone()
	c.docs[id] = stored
	c.broadcastLocked(RawChangeEvent{New: stored.Clone()})
	return stored.Clone(), nil
}

func (c *memoryCollection) ConditionalReplace(_ context.Context, id, expectedRev string, doc Document) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if expectedRev != "" && current.Rev() != expectedRev {
		return nil, ErrConflict
	}
	stored := doc.Clone()
	stored["id"] = id
	c.docs[id] = stored
	c.broadcastLocked(RawChangeEvent{Old: current.Clone(), New: stored.Clone()})
	return stored.Clone(), nil
}

func (c *memoryCollection) Delete(_ context.Context, id string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(c.docs, id)
	c.broadcastLocked(RawChangeEvent{Old: current.Clone()})
	return current.Clone(), nil
}

func (c *memoryCollection) Count(_ context.Context, f Filter) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, doc := range c.docs {
		if f.Matches(doc) {
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) Changes(ctx context.Context, f Filter, opts ChangeOptions) (ChangeStream, error) {
	s := &memoryChangeStream{
		col:    c,
		filter: f,
		out:    make(chan RawChangeEvent),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	// Snapshot, marker and subscriber registration happen under one lock so
	// a mutation can never slot between the replay and the live tail.
	c.mu.Lock()
	if opts.IncludeInitial {
		for _, doc := range c.docs {
			if f.Matches(doc) {
				s.queue = append(s.queue, RawChangeEvent{New: doc.Clone()})
			}
		}
	}
	if opts.IncludeStateMarkers {
		s.queue = append(s.queue, RawChangeEvent{InitialScanComplete: true})
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.pump(ctx)
	return s, nil
}

// broadcastLocked fans an event out to every subscription whose filter
// admits it, reshaped per applyFilter for rows moving across the filter
// boundary. Caller holds c.mu.
func (c *memoryCollection) broadcastLocked(ev RawChangeEvent) {
	for s := range c.subs {
		if shaped, ok := applyFilter(s.filter, ev); ok {
			s.push(shaped)
		}
	}
}

type memoryChangeStream struct {
	col    *memoryCollection
	filter Filter

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []RawChangeEvent
	closed bool
	err    error

	out       chan RawChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memoryChangeStream) Events() <-chan RawChangeEvent { return s.out }

func (s *memoryChangeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memoryChangeStream) Close() error {
	s.closeOnce.Do(func() {
		s.col.mu.Lock()
		delete(s.col.subs, s)
		s.col.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *memoryChangeStream) push(ev RawChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// pump moves queued events to the consumer channel in arrival order. The
// queue is unbounded so a slow consumer never blocks writers holding the
// collection lock.
func (s *memoryChangeStream) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		case <-ctx.Done():
			s.mu.Lock()
			s.err = ctx.Err()
			s.mu.Unlock()
			s.Close()
			return
		}
	}
}

// compareValues orders two field values for Query.OrderBy. Mixed or
// unknown types fall back to their string rendering.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			default:
				return 0
			}
		}
	default:
		if af, aok := toFloat(a); aok {
			if bf, bok := toFloat(b); bok {
				switch {
				case af < bf:
					return -1
				case af > bf:
					return 1
				default:
					return 0
				}
			}
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
