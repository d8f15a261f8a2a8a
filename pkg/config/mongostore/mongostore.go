package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/remoterunner/pkg/config/configstore"
	"github.com/andrej220/remoterunner/pkg/lg"
)

var (
	_ configstore.ConfigStore = (*MongoStore)(nil)
	_ configstore.Watcher     = (*MongoStore)(nil)
)

const connectTimeout = 10 * time.Second

// MongoStore keeps documents in one collection. ID names the document Load,
// Save and Watch operate on; Put stores any other document by its own id.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string
}

func New(ctx context.Context, uri, dbName, collName, id string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
	}, nil
}

// WithCollection returns a store on another collection of the same database,
// sharing the client.
func (m *MongoStore) WithCollection(name string) *MongoStore {
	return &MongoStore{
		Client:     m.Client,
		Collection: m.Collection.Database().Collection(name),
		ID:         m.ID,
	}
}

func (m *MongoStore) Load(ctx context.Context, out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}
	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("document with ID %q: %w", m.ID, configstore.ErrNotFound)
		}
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func (m *MongoStore) Save(ctx context.Context, in any) error {
	return m.Put(ctx, m.ID, in)
}

// Put upserts doc under id.
func (m *MongoStore) Put(ctx context.Context, id string, doc any) error {
	if doc == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}
	_, err := m.Collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

// Watch follows a change stream on the document. Change streams need a
// replica set; on a standalone server the stream cannot be opened and the
// error is returned wrapped in configstore.ErrWatchUnsupported.
func (m *MongoStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: m.ID}}}},
	}
	stream, err := m.Collection.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("%w: %v", configstore.ErrWatchUnsupported, err)
	}

	logger := lg.FromContext(ctx)
	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			onChange()
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			logger.Warn("change stream ended", lg.String("id", m.ID), lg.Err(err))
		}
	}()
	return nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	if m.Client == nil {
		return nil
	}
	return m.Client.Disconnect(ctx)
}
