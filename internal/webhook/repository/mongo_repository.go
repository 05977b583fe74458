package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/skillsight/reporthooks/internal/report"
)

// auditCollection is the append-only audit trail collection.
const auditCollection = "webhook_audit_log"

// MongoStore implements Store on MongoDB. Each report table maps to a
// collection of the same name. The content write uses the same
// terminal-state condition as the Postgres backend, expressed as a filter
// on the update, so duplicate concurrent deliveries cannot both apply.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoStore connects to MongoDB with the given URI and database name.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return &MongoStore{
		client:   client,
		database: client.Database(database),
	}, nil
}

func (s *MongoStore) collection(table string) (*mongo.Collection, error) {
	table, err := reportTable(table)
	if err != nil {
		return nil, err
	}
	return s.database.Collection(table), nil
}

// GetReport retrieves a report document by collection and id.
func (s *MongoStore) GetReport(ctx context.Context, table, id string) (*report.Record, error) {
	coll, err := s.collection(table)
	if err != nil {
		return nil, err
	}

	var rec report.Record
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding report: %w", err)
	}
	return &rec, nil
}

// ApplyResult writes the content phase with the terminal-state condition.
func (s *MongoStore) ApplyResult(ctx context.Context, table, id string, update report.Update) (bool, error) {
	coll, err := s.collection(table)
	if err != nil {
		return false, err
	}

	filter := bson.M{
		"_id": id,
		"$nor": []bson.M{{
			"webhook_status": string(report.WebhookSuccess),
			"status":         string(report.StatusCompleted),
		}},
	}
	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"research_report": update.Content,
		"status":          string(update.Status),
		"metadata":        update.Metadata,
		"updated_at":      time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("updating report: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// UpdateWebhookStatus mirrors the update_webhook_status procedure.
func (s *MongoStore) UpdateWebhookStatus(ctx context.Context, table, id string, status report.WebhookStatus, responseData map[string]any, incrementAttempts bool) error {
	coll, err := s.collection(table)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	set := bson.M{
		"webhook_status":       string(status),
		"webhook_last_attempt": now,
		"updated_at":           now,
	}
	if len(responseData) > 0 {
		set["metadata.webhook_response"] = responseData
	}
	mutation := bson.M{"$set": set}
	if incrementAttempts {
		mutation["$inc"] = bson.M{"webhook_attempts": 1}
	}

	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, mutation)
	if err != nil {
		return fmt.Errorf("updating webhook status: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// GetFailedWebhooks scans every report collection for sweep candidates.
func (s *MongoStore) GetFailedWebhooks(ctx context.Context, maxAttempts int, retryAfter time.Duration) ([]FailedWebhook, error) {
	cutoff := time.Now().UTC().Add(-retryAfter)
	filter := bson.M{
		"webhook_status":   string(report.WebhookFailed),
		"webhook_attempts": bson.M{"$lt": maxAttempts},
		"$or": []bson.M{
			{"webhook_last_attempt": bson.M{"$exists": false}},
			{"webhook_last_attempt": nil},
			{"webhook_last_attempt": bson.M{"$lt": cutoff}},
		},
	}

	var failed []FailedWebhook
	for _, table := range report.KnownTables() {
		cursor, err := s.database.Collection(table).Find(ctx, filter,
			options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", table, err)
		}

		var docs []struct {
			ID string `bson:"_id"`
		}
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("reading %s candidates: %w", table, err)
		}
		for _, doc := range docs {
			failed = append(failed, FailedWebhook{TableName: table, RecordID: doc.ID})
		}
	}
	return failed, nil
}

// RecordAttempt appends one audit document.
func (s *MongoStore) RecordAttempt(ctx context.Context, rec *AuditRecord) error {
	doc := *rec
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if _, err := s.database.Collection(auditCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}
	return nil
}

// ListAttempts returns audit documents matching the filter, newest first.
func (s *MongoStore) ListAttempts(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := bson.M{}
	if filter.ReportID != "" {
		query["report_id"] = filter.ReportID
	}
	if filter.JobID != "" {
		query["job_id"] = filter.JobID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.database.Collection(auditCollection).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("querying audit rows: %w", err)
	}

	var records []AuditRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("reading audit rows: %w", err)
	}
	for i := range records {
		if len(records[i].RequestPayload) == 0 {
			records[i].RequestPayload = json.RawMessage("null")
		}
	}
	return records, nil
}

// Ping reports whether MongoDB is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
