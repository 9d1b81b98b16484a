package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: eventbus_dlq

Document structure:
{
    "_id": string (DLQ record id),
    "queue": string,
    "exchange": string,
    "event_name": string,
    "message_id": string,
    "content_type": string,
    "body": Binary,
    "headers": object,
    "reason": string ("rejected" or "expired"),
    "published_at": ISODate,
    "created_at": ISODate,
    "retried_at": ISODate (optional)
}

Indexes:
db.eventbus_dlq.createIndex({ "created_at": 1 })
db.eventbus_dlq.createIndex({ "queue": 1, "created_at": 1 })
db.eventbus_dlq.createIndex({ "retried_at": 1 }, { sparse: true })
*/

// DefaultMongoCollection is the collection used unless WithCollection is set.
const DefaultMongoCollection = "eventbus_dlq"

// mongoMessage is the stored document form of a Message.
type mongoMessage struct {
	ID          string            `bson:"_id"`
	Queue       string            `bson:"queue"`
	Exchange    string            `bson:"exchange"`
	EventName   string            `bson:"event_name"`
	MessageID   string            `bson:"message_id"`
	ContentType string            `bson:"content_type"`
	Body        []byte            `bson:"body"`
	Headers     map[string]string `bson:"headers,omitempty"`
	Reason      string            `bson:"reason"`
	PublishedAt time.Time         `bson:"published_at"`
	CreatedAt   time.Time         `bson:"created_at"`
	RetriedAt   *time.Time        `bson:"retried_at,omitempty"`
}

func toDocument(m *Message) *mongoMessage {
	return &mongoMessage{
		ID:          m.ID,
		Queue:       m.Queue,
		Exchange:    m.Exchange,
		EventName:   m.EventName,
		MessageID:   m.MessageID,
		ContentType: m.ContentType,
		Body:        m.Body,
		Headers:     m.Headers,
		Reason:      m.Reason,
		PublishedAt: m.PublishedAt,
		CreatedAt:   m.CreatedAt,
		RetriedAt:   m.RetriedAt,
	}
}

func (m *mongoMessage) message() *Message {
	return &Message{
		ID:          m.ID,
		Queue:       m.Queue,
		Exchange:    m.Exchange,
		EventName:   m.EventName,
		MessageID:   m.MessageID,
		ContentType: m.ContentType,
		Body:        m.Body,
		Headers:     m.Headers,
		Reason:      m.Reason,
		PublishedAt: m.PublishedAt,
		CreatedAt:   m.CreatedAt,
		RetriedAt:   m.RetriedAt,
	}
}

// MongoStore is a MongoDB-based DLQ store.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB DLQ store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(DefaultMongoCollection)}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the indexes List and Stats rely on.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "retried_at", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}
}

// EnsureIndexes creates the indexes for the DLQ collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.collection.Indexes().CreateMany(ctx, s.Indexes()); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Store upserts msg, so parking the same record twice keeps one copy.
func (s *MongoStore) Store(ctx context.Context, msg *Message) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": msg.ID}, toDocument(msg), opts); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Message, error) {
	var doc mongoMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.message(), nil
}

func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		msgs = append(msgs, doc.message())
	}
	return msgs, cursor.Err()
}

// Count ignores Limit and Offset.
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, mongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *MongoStore) MarkRetried(ctx context.Context, id string) error {
	update := bson.M{"$set": bson.M{"retried_at": time.Now()}}
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.DeleteByFilter(ctx, Filter{EndTime: time.Now().Add(-age)})
}

// DeleteByFilter removes the messages List would return for filter.
func (s *MongoStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	query := mongoFilter(filter)
	if filter.Limit > 0 || filter.Offset > 0 {
		msgs, err := s.List(ctx, filter)
		if err != nil {
			return 0, err
		}
		if len(msgs) == 0 {
			return 0, nil
		}
		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
		}
		query = bson.M{"_id": bson.M{"$in": ids}}
	}

	result, err := s.collection.DeleteMany(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		MessagesByQueue:  make(map[string]int64),
		MessagesByReason: make(map[string]int64),
	}

	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}
	pending, err := s.collection.CountDocuments(ctx, bson.M{"retried_at": nil})
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	stats.TotalMessages = total
	stats.PendingMessages = pending
	stats.RetriedMessages = total - pending

	if err := s.countBy(ctx, "$queue", stats.MessagesByQueue); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "$reason", stats.MessagesByReason); err != nil {
		return nil, err
	}

	var oldest, newest mongoMessage
	err = s.collection.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&oldest)
	if err == nil {
		stats.OldestMessage = &oldest.CreatedAt
	}
	err = s.collection.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&newest)
	if err == nil {
		stats.NewestMessage = &newest.CreatedAt
	}
	return stats, nil
}

// countBy groups every document by field and stores the counts in into.
func (s *MongoStore) countBy(ctx context.Context, field string, into map[string]int64) error {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": field, "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("aggregate by %s: %w", field, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			Key   string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		into[row.Key] = row.Count
	}
	return cursor.Err()
}

// mongoFilter translates every Filter criterion except Limit and Offset.
func mongoFilter(filter Filter) bson.M {
	query := bson.M{}
	if filter.Queue != "" {
		query["queue"] = filter.Queue
	}
	if filter.EventName != "" {
		query["event_name"] = filter.EventName
	}
	if filter.Reason != "" {
		query["reason"] = filter.Reason
	}

	created := bson.M{}
	if !filter.StartTime.IsZero() {
		created["$gte"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		created["$lte"] = filter.EndTime
	}
	if len(created) > 0 {
		query["created_at"] = created
	}

	if filter.ExcludeRetried {
		query["retried_at"] = nil
	}
	return query
}

// Compile-time checks
var _ Store = (*MongoStore)(nil)
var _ StatsProvider = (*MongoStore)(nil)
