package mongostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/andrej220/remoterunner/pkg/config/configstore"
)

type doc struct {
	Host     string   `bson:"host"`
	Username string   `bson:"username"`
	Commands []string `bson:"commands"`
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("load", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "nightly"},
			{Key: "host", Value: "build.example.com"},
			{Key: "username", Value: "ci"},
			{Key: "commands", Value: bson.A{"make", "make test"}},
		}))
		s := &MongoStore{Client: mt.Client, Collection: mt.Coll, ID: "nightly"}

		var out doc
		require.NoError(mt, s.Load(context.Background(), &out))
		assert.Equal(mt, doc{Host: "build.example.com", Username: "ci", Commands: []string{"make", "make test"}}, out)
	})

	mt.Run("load missing", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		s := &MongoStore{Client: mt.Client, Collection: mt.Coll, ID: "absent"}

		var out doc
		assert.ErrorIs(mt, s.Load(context.Background(), &out), configstore.ErrNotFound)
	})

	mt.Run("save upserts by id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		s := &MongoStore{Client: mt.Client, Collection: mt.Coll, ID: "nightly"}

		require.NoError(mt, s.Save(context.Background(), doc{Host: "h"}))
	})

	mt.Run("save error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Message: "boom", Name: "DuplicateKey"}))
		s := &MongoStore{Client: mt.Client, Collection: mt.Coll, ID: "nightly"}

		assert.ErrorContains(mt, s.Put(context.Background(), "r1", doc{Host: "h"}), "ReplaceOne failed")
	})

	mt.Run("with collection shares the client", func(mt *mtest.T) {
		s := &MongoStore{Client: mt.Client, Collection: mt.Coll, ID: "nightly"}
		reports := s.WithCollection("reports")
		assert.Equal(mt, "reports", reports.Collection.Name())
		assert.Same(mt, s.Client, reports.Client)
	})
}

func TestNilArguments(t *testing.T) {
	s := &MongoStore{ID: "x"}
	assert.Error(t, s.Load(context.Background(), nil))
	assert.Error(t, s.Put(context.Background(), "x", nil))
	assert.Error(t, s.Watch(context.Background(), nil))
	assert.NoError(t, s.Close(context.Background()))
}
