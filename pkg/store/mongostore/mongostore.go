// Package mongostore mirrors extraction records into MongoDB.
//
// Each record is one document keyed by "<kind>/<package>/<version>/<slot>"
// with the identity fields broken out for querying:
//
//	db.records.find({package: "requests", outcome: "error"})
//
// The file store stays the source of truth; this store is meant to be used
// as a [store.Mirror] secondary.
package mongostore

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
	"github.com/matzehuels/depdb/pkg/store"
)

// DefaultCollection is the collection records are written to.
const DefaultCollection = "records"

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Config configures the connection.
type Config struct {
	URI        string
	Database   string
	Collection string        // empty uses DefaultCollection
	Timeout    time.Duration // connect and ping; zero uses 10s
}

// Store is a MongoDB-backed [store.Store].
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type document struct {
	ID               string                    `bson:"_id"`
	Package          string                    `bson:"package"`
	Version          string                    `bson:"version"`
	Kind             string                    `bson:"kind"`
	Artifact         string                    `bson:"artifact"`
	Python           string                    `bson:"python,omitempty"`
	Outcome          string                    `bson:"outcome"`
	ExtractorVersion string                    `bson:"extractor_version"`
	Success          *records.DependencyRecord `bson:"success,omitempty"`
	Error            *records.ErrorRecord      `bson:"error,omitempty"`
	UpdatedAt        time.Time                 `bson:"updated_at"`
}

// New connects to MongoDB and ensures the lookup index exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "mongo uri and database are required")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, err, "connect to mongo")
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(errors.ErrCodeStore, err, "ping mongo")
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys: bson.D{{Key: "package", Value: 1}, {Key: "kind", Value: 1}, {Key: "version", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(errors.ErrCodeStore, err, "create mongo index")
	}
	return &Store{client: client, coll: coll}, nil
}

// DocumentID returns the _id a key is stored under.
func DocumentID(key records.Key) string {
	return string(key.Kind) + "/" + deps.NormalizeName(key.Package) + "/" + key.Version + "/" + key.Slot()
}

// Put upserts rec.
func (s *Store) Put(ctx context.Context, rec records.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	doc := document{
		ID:               DocumentID(rec.Key),
		Package:          deps.NormalizeName(rec.Key.Package),
		Version:          rec.Key.Version,
		Kind:             string(rec.Key.Kind),
		Artifact:         rec.Key.Artifact,
		Python:           rec.Key.Python,
		ExtractorVersion: rec.Version(),
		Success:          rec.Success,
		Error:            rec.Error,
		UpdatedAt:        time.Now().UTC(),
	}
	if rec.IsSuccess() {
		doc.Outcome = outcomeSuccess
	} else {
		doc.Outcome = outcomeError
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "mongo upsert %s", doc.ID)
	}
	return nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key records.Key) (records.Record, bool, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": DocumentID(key)}).Decode(&doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return records.Record{}, false, nil
	}
	if err != nil {
		return records.Record{}, false, errors.Wrap(errors.ErrCodeStore, err, "mongo get %s", DocumentID(key))
	}
	return doc.record(), true, nil
}

// ExistsSuccess implements [store.Store].
func (s *Store) ExistsSuccess(ctx context.Context, key records.Key, extractorVersion string) (bool, error) {
	filter := bson.M{"_id": DocumentID(key), "outcome": outcomeSuccess}
	if extractorVersion != "" {
		filter["extractor_version"] = extractorVersion
	}
	n, err := s.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStore, err, "mongo count %s", DocumentID(key))
	}
	return n > 0, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d document) record() records.Record {
	return records.Record{
		Key: records.Key{
			Package:  d.Package,
			Version:  d.Version,
			Kind:     index.Kind(d.Kind),
			Artifact: d.Artifact,
			Python:   d.Python,
		},
		Success: d.Success,
		Error:   d.Error,
	}
}

var _ store.Store = (*Store)(nil)
