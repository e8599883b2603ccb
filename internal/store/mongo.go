package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/docstream/docstream/pkg/logger"
)

// Mongo is the production Store. Documents are stored with the document id
// as Mongo's _id, so a plain insert doubles as the atomic
// create-if-absent primitive the migration mutex relies on.
type Mongo struct {
	db *mongo.Database
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{db: db}
}

func (s *Mongo) Collection(name string) Collection {
	return &mongoCollection{col: s.db.Collection(name)}
}

type mongoCollection struct {
	col *mongo.Collection
}

func (c *mongoCollection) Get(ctx context.Context, id string) (Document, error) {
	var raw bson.M
	err := c.col.FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo get: %w", err)
	}
	return fromBSON(raw), nil
}

func (c *mongoCollection) Find(ctx context.Context, q Query) ([]Document, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Skip > 0 {
		opts.SetSkip(int64(q.Skip))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := c.col.Find(ctx, toBSONFilter(q.Filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	defer cur.Close(ctx)

	out := []Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("mongo find decode: %w", err)
		}
		out = append(out, fromBSON(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo find cursor: %w", err)
	}
	return out, nil
}

func (c *mongoCollection) Insert(ctx context.Context, doc Document) (Document, error) {
	if doc.ID() == "" {
		return nil, fmt.Errorf("insert: document has no id")
	}
	if _, err := c.col.InsertOne(ctx, toBSON(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("mongo insert: %w", err)
	}
	return doc.Clone(), nil
}

func (c *mongoCollection) ConditionalReplace(ctx context.Context, id, expectedRev string, doc Document) (Document, error) {
	filter := bson.M{"_id": id}
	if expectedRev != "" {
		filter["rev"] = expectedRev
	}

	payload := doc.Clone()
	payload["id"] = id

	opts := options.FindOneAndReplace().SetReturnDocument(options.After)
	var raw bson.M
	err := c.col.FindOneAndReplace(ctx, filter, toBSON(payload), opts).Decode(&raw)
	if err == nil {
		return fromBSON(raw), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongo conditional replace: %w", err)
	}
	if expectedRev == "" {
		return nil, ErrNotFound
	}
	// No match: either the document is gone or its rev moved on. The
	// replace itself stays atomic; this read only picks the error.
	if _, err := c.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

func (c *mongoCollection) Delete(ctx context.Context, id string) (Document, error) {
	var raw bson.M
	err := c.col.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo delete: %w", err)
	}
	return fromBSON(raw), nil
}

func (c *mongoCollection) Count(ctx context.Context, f Filter) (int64, error) {
	n, err := c.col.CountDocuments(ctx, toBSONFilter(f))
	if err != nil {
		return 0, fmt.Errorf("mongo count: %w", err)
	}
	return n, nil
}

func (c *mongoCollection) Changes(ctx context.Context, f Filter, opts ChangeOptions) (ChangeStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	csOpts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	cs, err := c.col.Watch(streamCtx, mongo.Pipeline{}, csOpts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo watch: %w", err)
	}

	s := &mongoChangeStream{
		cs:     cs,
		cancel: cancel,
		out:    make(chan RawChangeEvent),
		done:   make(chan struct{}),
	}
	go s.run(streamCtx, c, f, opts)
	return s, nil
}

type mongoChangeStream struct {
	cs     *mongo.ChangeStream
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	out       chan RawChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *mongoChangeStream) Events() <-chan RawChangeEvent { return s.out }

func (s *mongoChangeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mongoChangeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

func (s *mongoChangeStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *mongoChangeStream) send(ev RawChangeEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}

type mongoChangeDoc struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange"`
}

// run opens the watch before scanning so no mutation falls in the gap,
// replays the initial matching rows, emits the scan marker, then tails the
// live stream until closed or failed.
func (s *mongoChangeStream) run(ctx context.Context, c *mongoCollection, f Filter, opts ChangeOptions) {
	defer close(s.out)
	defer s.cs.Close(context.Background())

	// A mutation committed between watch-open and scan completion is seen
	// twice: once by the scan, once by the live tail. The scanned revs are
	// remembered so the duplicate live delivery can be suppressed.
	scanned := map[string]string{}
	if opts.IncludeInitial {
		existing, err := c.Find(ctx, Query{Filter: f})
		if err != nil {
			s.fail(err)
			return
		}
		for _, doc := range existing {
			scanned[doc.ID()] = doc.Rev()
			if !s.send(RawChangeEvent{New: doc}) {
				return
			}
		}
	}
	if opts.IncludeStateMarkers {
		if !s.send(RawChangeEvent{InitialScanComplete: true}) {
			return
		}
	}

	for s.cs.Next(ctx) {
		var change mongoChangeDoc
		if err := s.cs.Decode(&change); err != nil {
			logger.Warnf("change stream decode: %v", err)
			continue
		}
		ev, ok := changeToEvent(change)
		if !ok {
			continue
		}
		if suppressScanDuplicate(scanned, ev) {
			continue
		}
		ev, ok = applyFilter(f, ev)
		if !ok {
			continue
		}
		if !s.send(ev) {
			return
		}
	}
	if err := s.cs.Err(); err != nil && ctx.Err() == nil {
		s.fail(fmt.Errorf("mongo change stream: %w", err))
	}
}

// suppressScanDuplicate drops the one live event that reports the same
// state the initial scan already replayed. Each scanned id is consumed by
// its first live event: when the document carries a rev the comparison is
// exact; without one, only the insert that produced the scanned row can be
// identified and later pre-scan updates may still come through twice.
func suppressScanDuplicate(scanned map[string]string, ev RawChangeEvent) bool {
	if ev.New == nil {
		return false
	}
	rev, ok := scanned[ev.New.ID()]
	if !ok {
		return false
	}
	delete(scanned, ev.New.ID())
	if rev != "" {
		return ev.New.Rev() == rev
	}
	return ev.Old == nil
}

func changeToEvent(change mongoChangeDoc) (RawChangeEvent, bool) {
	switch change.OperationType {
	case "insert":
		return RawChangeEvent{New: fromBSON(change.FullDocument)}, true
	case "update", "replace":
		ev := RawChangeEvent{New: fromBSON(change.FullDocument)}
		if change.FullDocumentBeforeChange != nil {
			ev.Old = fromBSON(change.FullDocumentBeforeChange)
		} else {
			// Pre-images are not always retained; the id is the one
			// field every consumer of the old side can count on.
			ev.Old = Document{"id": change.DocumentKey.ID}
		}
		return ev, true
	case "delete":
		if change.FullDocumentBeforeChange != nil {
			return RawChangeEvent{Old: fromBSON(change.FullDocumentBeforeChange)}, true
		}
		return RawChangeEvent{Old: Document{"id": change.DocumentKey.ID}}, true
	default:
		return RawChangeEvent{}, false
	}
}

// toBSON maps a document to its stored shape: the id moves into _id.
func toBSON(doc Document) bson.M {
	out := bson.M(doc.Clone())
	if id, ok := out["id"]; ok {
		out["_id"] = id
		delete(out, "id")
	}
	return out
}

func toBSONFilter(f Filter) bson.M {
	out := bson.M{}
	for k, v := range f {
		if k == "id" {
			out["_id"] = v
			continue
		}
		out[k] = v
	}
	return out
}

// fromBSON maps a stored document back, normalizing driver types so the
// layers above only ever see plain Go values.
func fromBSON(raw bson.M) Document {
	if raw == nil {
		return nil
	}
	doc := Document{}
	for k, v := range raw {
		if k == "_id" {
			doc["id"] = normalizeBSON(v)
			continue
		}
		doc[k] = normalizeBSON(v)
	}
	return doc
}

func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := map[string]any{}
		for k, e := range t {
			out[k] = normalizeBSON(e)
		}
		return out
	case bson.D:
		out := map[string]any{}
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeBSON(e)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}
