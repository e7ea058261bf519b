// Package storage holds the pipeline's two persistence backends: a MongoDB
// document store for parsed log artifacts and a Postgres/TimescaleDB store
// for build metrics and anomaly results.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
)

const (
	parsedLogsCollection = "parsed_logs"
	rawLogsCollection    = "raw_logs"
)

// ParsedLog is the document written for every build the parser processes.
// Templates carries the most recent mined templates, not the full catalog.
type ParsedLog struct {
	RawLogID  *primitive.ObjectID     `bson:"raw_log_id"`
	Templates []string                `bson:"templates"`
	EventIDs  []string                `bson:"event_ids"`
	Features  *features.BuildFeatures `bson:"features"`
	ParsedAt  time.Time               `bson:"parsed_at"`
}

// DocumentStore wraps the MongoDB database holding raw and parsed build logs.
type DocumentStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logging.Logger
}

// NewDocumentStore connects to MongoDB and pings it. The database name comes
// from the URI path.
func NewDocumentStore(ctx context.Context, uri string) (*DocumentStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	dbName := databaseFromURI(uri)

	logger := logging.GetLogger("storage.mongo")
	logger.InfoWithFields("mongodb connected", logging.Field("database", dbName))

	return &DocumentStore{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}, nil
}

// StoreParsedLog inserts the parsed artifact for one build and returns the
// inserted document ID. rawLogID may be empty when the payload carried no
// upstream document reference.
func (s *DocumentStore) StoreParsedLog(ctx context.Context, rawLogID string, templates, eventIDs []string, feats *features.BuildFeatures) (string, error) {
	doc := ParsedLog{
		Templates: templates,
		EventIDs:  eventIDs,
		Features:  feats,
		ParsedAt:  time.Now().UTC(),
	}
	if rawLogID != "" {
		oid, err := primitive.ObjectIDFromHex(rawLogID)
		if err != nil {
			return "", fmt.Errorf("invalid raw log id %q: %w", rawLogID, err)
		}
		doc.RawLogID = &oid
	}

	res, err := s.db.Collection(parsedLogsCollection).InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("inserting parsed log: %w", err)
	}

	id := ""
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		id = oid.Hex()
	}
	s.logger.DebugWithFields("stored parsed log",
		logging.Field("id", id),
		logging.Field("build_id", feats.BuildID),
	)
	return id, nil
}

// MarkRawLogProcessed flags the source raw_logs document so it is not picked
// up again.
func (s *DocumentStore) MarkRawLogProcessed(ctx context.Context, rawLogID string) error {
	if rawLogID == "" {
		return nil
	}
	oid, err := primitive.ObjectIDFromHex(rawLogID)
	if err != nil {
		return fmt.Errorf("invalid raw log id %q: %w", rawLogID, err)
	}

	_, err = s.db.Collection(rawLogsCollection).UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{
			"processed":    true,
			"processed_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("marking raw log processed: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *DocumentStore) Close(ctx context.Context) error {
	err := s.client.Disconnect(ctx)
	if err == nil {
		s.logger.Info("mongodb connection closed")
	}
	return err
}

// databaseFromURI extracts the database name from a mongodb:// URI path,
// defaulting to safeops when the path is empty.
func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "safeops"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "safeops"
	}
	return name
}
