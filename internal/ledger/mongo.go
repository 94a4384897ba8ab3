package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pentanotes/assist/internal/errors"
)

// CollectionName is the mongo collection holding action records.
const CollectionName = "action_histories"

// MongoStore keeps one document per record. Expiry is delegated to a TTL
// index on createdAt, so PurgeExpired is only a manual fallback.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings, and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string, retention time.Duration) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(CollectionName),
	}
	if err := s.ensureIndexes(ctx, retention); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	_, err := s.coll.Indexes().CreateMany(ctx, indexModels(retention))
	if err != nil {
		return fmt.Errorf("failed to create ledger indexes: %w", err)
	}
	return nil
}

func indexModels(retention time.Duration) []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "requestId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{
			Keys:    bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
		},
	}
}

func recordFilter(requestID string, userID int64) bson.M {
	return bson.M{"requestId": requestID, "userId": userID}
}

// CreateRequest implements Store.
func (s *MongoStore) CreateRequest(ctx context.Context, requestID string, userID int64, createdAt time.Time) error {
	doc := Record{
		RequestID: requestID,
		UserID:    userID,
		Status:    StatusCompleted,
		Running:   true,
		Actions:   []Action{},
		CreatedAt: createdAt.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.NewConflict("request already exists: " + requestID)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// AppendAction implements Store with a single $push.
func (s *MongoStore) AppendAction(ctx context.Context, requestID string, userID int64, action Action) error {
	res, err := s.coll.UpdateOne(ctx,
		recordFilter(requestID, userID),
		bson.M{"$push": bson.M{"actions": action}})
	if err != nil {
		return errors.NewInternal(err)
	}
	if res.MatchedCount == 0 {
		return ErrRecordMissing
	}
	return nil
}

// GetByID implements Store.
func (s *MongoStore) GetByID(ctx context.Context, requestID string, userID int64) (*Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx, recordFilter(requestID, userID)).Decode(&rec)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return normalizeRecord(&rec), nil
}

// GetLatest implements Store.
func (s *MongoStore) GetLatest(ctx context.Context, userID int64, notBefore time.Time) (*Record, error) {
	filter := bson.M{
		"userId":    userID,
		"status":    string(StatusCompleted),
		"running":   false,
		"createdAt": bson.M{"$gte": notBefore.UTC()},
		"actions.0": bson.M{"$exists": true},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "requestId", Value: -1}})

	var rec Record
	err := s.coll.FindOne(ctx, filter, opts).Decode(&rec)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return normalizeRecord(&rec), nil
}

// FinishRun implements Store.
func (s *MongoStore) FinishRun(ctx context.Context, requestID string, userID int64) error {
	res, err := s.coll.UpdateOne(ctx,
		recordFilter(requestID, userID),
		bson.M{"$set": bson.M{"running": false}})
	if err != nil {
		return errors.NewInternal(err)
	}
	if res.MatchedCount == 0 {
		return ErrRecordMissing
	}
	return nil
}

// ClaimRevert implements Store.
func (s *MongoStore) ClaimRevert(ctx context.Context, requestID string, userID int64) error {
	filter := recordFilter(requestID, userID)
	filter["status"] = string(StatusCompleted)
	filter["running"] = false
	filter["reverting"] = bson.M{"$ne": true}

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"reverting": true}})
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.conditionalResult(ctx, res, requestID, userID)
}

// ReleaseRevert implements Store.
func (s *MongoStore) ReleaseRevert(ctx context.Context, requestID string, userID int64) error {
	res, err := s.coll.UpdateOne(ctx,
		recordFilter(requestID, userID),
		bson.M{"$set": bson.M{"reverting": false}})
	if err != nil {
		return errors.NewInternal(err)
	}
	if res.MatchedCount == 0 {
		return ErrRecordMissing
	}
	return nil
}

// MarkReverted implements Store.
func (s *MongoStore) MarkReverted(ctx context.Context, requestID string, userID int64, at time.Time) error {
	filter := recordFilter(requestID, userID)
	filter["status"] = string(StatusCompleted)
	filter["running"] = false

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":     string(StatusReverted),
		"revertedAt": at.UTC(),
		"reverting":  false,
	}})
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.conditionalResult(ctx, res, requestID, userID)
}

// MarkFailed implements Store.
func (s *MongoStore) MarkFailed(ctx context.Context, requestID string, userID int64, message string) error {
	filter := recordFilter(requestID, userID)
	filter["status"] = string(StatusCompleted)

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":       string(StatusFailed),
		"errorMessage": message,
		"running":      false,
	}})
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.conditionalResult(ctx, res, requestID, userID)
}

func (s *MongoStore) conditionalResult(ctx context.Context, res *mongo.UpdateResult, requestID string, userID int64) error {
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, recordFilter(requestID, userID))
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return ErrRecordMissing
	}
	return ErrNotCompleted
}

// PurgeExpired implements Store.
func (s *MongoStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"createdAt": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(res.DeletedCount), nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// normalizeRecord converts BSON container types in the free-form maps back to
// plain map[string]any / []any, the shapes the JSON path produces.
func normalizeRecord(rec *Record) *Record {
	if rec.Actions == nil {
		rec.Actions = []Action{}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	for i := range rec.Actions {
		a := &rec.Actions[i]
		a.Args = normalizeMap(a.Args)
		a.Result = normalizeMap(a.Result)
		for j := range a.Snapshots {
			a.Snapshots[j].Before = normalizeMap(a.Snapshots[j].Before)
			a.Snapshots[j].After = normalizeMap(a.Snapshots[j].After)
		}
		for j := range a.Inverses {
			a.Inverses[j].Payload = normalizeMap(a.Inverses[j].Payload)
		}
	}
	return rec
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(map[string]any(t))
	case map[string]any:
		return normalizeMap(t)
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case bson.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	}
	return v
}
