package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateID is returned by Insert when the id is already taken.
	ErrDuplicateID = errors.New("duplicate document id")
	// ErrConflict is the conditional-replace conflict marker: the stored
	// rev did not match the expected rev and nothing was written.
	ErrConflict = errors.New("revision conflict")
)

// Document is a schemaless field map. The reserved fields "id" and "rev"
// are read through the accessors below; everything else is caller data.
type Document map[string]any

// ID returns the document id, or "" when unset.
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Rev returns the revision token, or "" when unset.
func (d Document) Rev() string {
	s, _ := d["rev"].(string)
	return s
}

// Clone deep-copies the document so callers can mutate it freely.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Document:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Filter is a field-equality predicate: a document matches when every
// listed field is present and equal.
type Filter map[string]any

// Matches reports whether the document satisfies the filter.
func (f Filter) Matches(doc Document) bool {
	for k, want := range f {
		got, ok := doc[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// applyFilter decides whether and in what shape a live change event
// reaches a filtered subscription. An update that moves a row out of the
// filter is delivered delete-shaped so the subscriber learns the row left
// the query; one that moves a row in is delivered insert-shaped.
func applyFilter(f Filter, ev RawChangeEvent) (RawChangeEvent, bool) {
	if len(f) == 0 || ev.InitialScanComplete {
		return ev, true
	}
	switch {
	case ev.Old == nil:
		return ev, f.Matches(ev.New)
	case ev.New == nil:
		return ev, f.Matches(ev.Old) || partialPreImage(ev.Old)
	default:
		newMatches := f.Matches(ev.New)
		oldMatches := f.Matches(ev.Old) || partialPreImage(ev.Old)
		switch {
		case newMatches && oldMatches:
			return ev, true
		case newMatches:
			return RawChangeEvent{New: ev.New}, true
		case oldMatches:
			return RawChangeEvent{Old: ev.Old}, true
		default:
			return RawChangeEvent{}, false
		}
	}
}

// partialPreImage reports an old-side document reconstructed from the
// document key alone, when the backing store retained no pre-image. Its
// filter membership is unknowable, so it counts as matching.
func partialPreImage(doc Document) bool {
	_, ok := doc["id"]
	return len(doc) == 1 && ok
}

// Query shapes a Find call. Steps apply in order: filter, order, skip, limit.
type Query struct {
	Filter     Filter
	OrderBy    string
	Descending bool
	Skip       int
	Limit      int
}

// RawChangeEvent is one notification from a change stream. Exactly one of
// three shapes: initial-scan marker (InitialScanComplete set), insert/delete
// (one side nil), or update (both sides set).
type RawChangeEvent struct {
	Old                 Document
	New                 Document
	InitialScanComplete bool
}

// ChangeOptions controls what a change stream delivers.
type ChangeOptions struct {
	// IncludeInitial replays rows already matching the filter at subscribe
	// time as insert-shaped events before any live event.
	IncludeInitial bool
	// IncludeStateMarkers emits an InitialScanComplete event between the
	// initial replay and the live tail.
	IncludeStateMarkers bool
}

// ChangeStream is an open subscription to a collection's changes. Events
// are delivered in store order; the channel is closed on error or Close.
type ChangeStream interface {
	Events() <-chan RawChangeEvent
	// Err reports why the stream stopped, nil after a clean Close.
	Err() error
	// Close releases the underlying resource. Safe to call more than once.
	Close() error
}

// Collection is the document-store adapter surface the model, feed and
// migration layers are built on. Implementations must make Insert and
// ConditionalReplace single atomic operations; all cross-process
// serialization in this codebase relies on that.
type Collection interface {
	Get(ctx context.Context, id string) (Document, error)
	Find(ctx context.Context, q Query) ([]Document, error)
	Insert(ctx context.Context, doc Document) (Document, error)
	// ConditionalReplace commits doc only while the stored rev equals
	// expectedRev, returning ErrConflict otherwise. An empty expectedRev
	// replaces unconditionally.
	ConditionalReplace(ctx context.Context, id, expectedRev string, doc Document) (Document, error)
	Delete(ctx context.Context, id string) (Document, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Changes(ctx context.Context, f Filter, opts ChangeOptions) (ChangeStream, error)
}

// Store hands out named collections sharing one backing database.
type Store interface {
	Collection(name string) Collection
}
