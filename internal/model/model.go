package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/docstream/docstream/internal/schema"
	"github.com/docstream/docstream/internal/store"
	"github.com/docstream/docstream/pkg/logger"
	"github.com/docstream/docstream/pkg/metrics"
)

var (
	// ErrNotFound is returned when the referenced document id does not exist.
	ErrNotFound = errors.New("document not found")
)

const revConflictMessage = "`rev` was changed by another update"

// Model enforces schema validity and revision-based optimistic concurrency
// on top of a raw document collection. All rev/createdAt/updatedAt writes
// go through here and nowhere else.
type Model struct {
	def      *schema.Definition
	validate schema.ValidatorFn
	col      store.Collection
	audit    store.Collection

	now      func() time.Time
	newToken func() string
}

// Option configures a Model.
type Option func(*options)

type options struct {
	audit bool
}

// WithAudit copies every successfully written document state into the
// "<PluralName>AuditLog" collection.
func WithAudit() Option {
	return func(o *options) { o.audit = true }
}

// New compiles the schema and binds the model to its collection.
func New(st store.Store, def *schema.Definition, opts ...Option) (*Model, error) {
	validate, err := schema.Compile(def)
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	m := &Model{
		def:      def,
		validate: validate,
		col:      st.Collection(def.PluralName),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	if o.audit {
		m.audit = st.Collection(def.PluralName + "AuditLog")
	}
	return m, nil
}

// Collection exposes the underlying collection, e.g. for feed subscriptions.
func (m *Model) Collection() store.Collection { return m.col }

// Definition returns the schema the model was built from.
func (m *Model) Definition() *schema.Definition { return m.def }

// Create validates and inserts a new document. A missing id is assigned,
// the rev and timestamp fields are stamped when the schema declares them.
func (m *Model) Create(ctx context.Context, fields map[string]any) (store.Document, error) {
	doc := store.Document(fields).Clone()
	if doc == nil {
		doc = store.Document{}
	}
	if doc.ID() == "" {
		doc["id"] = m.newToken()
	}
	if m.def.HasRev() && doc.Rev() == "" {
		doc["rev"] = m.newToken()
	}
	m.stampTimestamps(doc)

	if err := m.validate(doc); err != nil {
		return nil, err
	}
	stored, err := m.col.Insert(ctx, doc)
	if err != nil {
		return nil, err
	}
	metrics.DocumentMutations.WithLabelValues(m.def.PluralName, "create").Inc()
	m.writeAudit(ctx, stored)
	return stored, nil
}

// Find fetches one document by id.
func (m *Model) Find(ctx context.Context, id string) (store.Document, error) {
	doc, err := m.col.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// Params shapes an All query. Filter keys that are not declared schema
// properties are ignored rather than rejected.
type Params struct {
	Filter  map[string]any
	OrderBy string
	// Order flips OrderBy to descending when set to "desc".
	Order string
	Skip  int
	Limit int
}

// All lists documents: filter, then order, then skip, then limit.
func (m *Model) All(ctx context.Context, p Params) ([]store.Document, error) {
	q := store.Query{Filter: store.Filter{}, Skip: p.Skip, Limit: p.Limit}
	for key, value := range p.Filter {
		if _, declared := m.def.Property(key); declared {
			q.Filter[key] = value
		}
	}
	if p.OrderBy != "" {
		if _, declared := m.def.Property(p.OrderBy); declared {
			q.OrderBy = p.OrderBy
			q.Descending = p.Order == "desc"
		}
	}
	return m.col.Find(ctx, q)
}

// Update merges the partial fields onto the current document and writes it
// back through the conditional-replace protocol. A nil field value deletes
// that field, recursively for nested objects (RFC 7396).
func (m *Model) Update(ctx context.Context, id string, fields map[string]any) (store.Document, error) {
	current, err := m.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := mergePatch(current, store.Document(fields).Clone())
	expectedRev := merged.Rev()
	return m.write(ctx, id, merged, expectedRev)
}

// Replace discards the current document's fields and writes the given ones,
// keeping only the id. The caller-supplied rev (or, when absent, the rev
// read here) is asserted against the store's current value.
func (m *Model) Replace(ctx context.Context, id string, fields map[string]any) (store.Document, error) {
	current, err := m.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	next := mergePatch(store.Document{"id": id}, store.Document(fields).Clone())
	expectedRev := next.Rev()
	if expectedRev == "" {
		expectedRev = current.Rev()
	}
	return m.write(ctx, id, next, expectedRev)
}

// Delete removes the document and returns its last known state.
func (m *Model) Delete(ctx context.Context, id string) (store.Document, error) {
	doc, err := m.col.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	metrics.DocumentMutations.WithLabelValues(m.def.PluralName, "delete").Inc()
	return doc, nil
}

// write is the shared conflict-aware path behind Update and Replace. The
// document is validated as the caller shaped it (including the asserted
// rev), then committed with a fresh rev and updated timestamps.
func (m *Model) write(ctx context.Context, id string, doc store.Document, expectedRev string) (store.Document, error) {
	doc["id"] = id
	if err := m.validate(doc); err != nil {
		return nil, err
	}

	payload := doc.Clone()
	if m.def.HasRev() {
		payload["rev"] = m.newToken()
	}
	m.stampTimestamps(payload)

	stored, err := m.col.ConditionalReplace(ctx, id, expectedRev, payload)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			metrics.RevConflicts.WithLabelValues(m.def.PluralName).Inc()
			return nil, schema.NewValidationError(revConflictMessage)
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		default:
			return nil, err
		}
	}
	metrics.DocumentMutations.WithLabelValues(m.def.PluralName, "update").Inc()
	m.writeAudit(ctx, stored)
	return stored, nil
}

// stampTimestamps sets updatedAt to now and createdAt only when absent,
// each only if declared by the schema.
func (m *Model) stampTimestamps(doc store.Document) {
	if !m.def.HasTimestamps() {
		return
	}
	now := m.now().UTC()
	if _, ok := m.def.Property(schema.PropUpdatedAt); ok {
		doc[schema.PropUpdatedAt] = now
	}
	if _, ok := m.def.Property(schema.PropCreatedAt); ok {
		if _, present := doc[schema.PropCreatedAt]; !present {
			doc[schema.PropCreatedAt] = now
		}
	}
}

// writeAudit appends the post-write state to the audit collection. Audit
// failures are logged and never fail the main write.
func (m *Model) writeAudit(ctx context.Context, doc store.Document) {
	if m.audit == nil {
		return
	}
	entry := store.Document{
		"id":        m.newToken(),
		"createdAt": m.now().UTC(),
		"doc":       map[string]any(doc.Clone()),
	}
	if _, err := m.audit.Insert(ctx, entry); err != nil {
		logger.Errorf("%s: audit write for %s failed: %v", m.def.PluralName, doc.ID(), err)
	}
}

// mergePatch applies RFC 7396 merge-patch semantics: nil deletes a key,
// nested objects merge recursively, everything else overwrites.
func mergePatch(target store.Document, patch store.Document) store.Document {
	out := target.Clone()
	if out == nil {
		out = store.Document{}
	}
	for key, value := range patch {
		if value == nil {
			delete(out, key)
			continue
		}
		if patchMap, ok := value.(map[string]any); ok {
			if targetMap, ok := out[key].(map[string]any); ok {
				out[key] = map[string]any(mergePatch(store.Document(targetMap), store.Document(patchMap)))
				continue
			}
			out[key] = map[string]any(mergePatch(store.Document{}, store.Document(patchMap)))
			continue
		}
		out[key] = value
	}
	return out
}
