package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the document-store implementation of Store and the default
// driver. Claim exclusivity rests on FindOneAndUpdate being atomic at the
// document level, which keeps the design valid when several manager
// processes poll the same collection.
type MongoStore struct {
	client  *mongo.Client
	jobs    *mongo.Collection
	batches *mongo.Collection
}

// NewMongoStore connects to MongoDB, verifies the connection, and ensures
// the indexes the claim query depends on.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri is empty")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx) //nolint:errcheck
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:  client,
		jobs:    db.Collection("jobs"),
		batches: db.Collection("batches"),
	}

	_, err = s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		{Keys: bson.D{{Key: "completed_at", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(ctx) //nolint:errcheck
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Enqueue(ctx context.Context, j *Job) error {
	if _, err := s.jobs.InsertOne(ctx, j); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *MongoStore) EnqueueBatch(ctx context.Context, b *Batch, jobs []*Job) error {
	if _, err := s.batches.InsertOne(ctx, b); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	docs := make([]any, 0, len(jobs))
	for _, j := range jobs {
		docs = append(docs, j)
	}
	if _, err := s.jobs.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("enqueue batch jobs: %w", err)
	}
	return nil
}

func (s *MongoStore) ClaimNextPending(ctx context.Context, excludeTypes []string) (*Job, error) {
	now := time.Now().UTC()
	filter := bson.M{"status": StatusPending}
	if len(excludeTypes) > 0 {
		filter["job_type"] = bson.M{"$nin": excludeTypes}
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	j := &Job{}
	err := s.jobs.FindOneAndUpdate(ctx, filter, bson.M{
		"$set": bson.M{
			"status":                StatusProcessing,
			"processing_started_at": now,
			"updated_at":            now,
		},
	}, opts).Decode(j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if j.BatchID != "" {
		if err := s.applyBatchDelta(ctx, j.BatchID, -1, +1, 0, 0); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (s *MongoStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	res, err := s.jobs.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"progress": p, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CompleteJob(ctx context.Context, id string, results map[string]any) error {
	return s.finishJob(ctx, id, StatusCompleted, results, nil)
}

func (s *MongoStore) FailJob(ctx context.Context, id string, jobErr *Error) error {
	return s.finishJob(ctx, id, StatusFailed, nil, jobErr)
}

func (s *MongoStore) finishJob(ctx context.Context, id string, status Status, results map[string]any, jobErr *Error) error {
	now := time.Now().UTC()
	set := bson.M{
		"status":       status,
		"completed_at": now,
		"updated_at":   now,
	}
	if results != nil {
		set["results"] = results
	}
	update := bson.M{"$set": set}
	if jobErr != nil {
		set["error"] = jobErr
	} else {
		update["$unset"] = bson.M{"error": ""}
	}

	j := &Job{}
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": StatusProcessing},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("finish job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}

	if j.BatchID != "" {
		dCompleted, dFailed := 0, 0
		if status == StatusCompleted {
			dCompleted = 1
		} else {
			dFailed = 1
		}
		return s.applyBatchDelta(ctx, j.BatchID, 0, -1, dCompleted, dFailed)
	}
	return nil
}

func (s *MongoStore) AppendLog(ctx context.Context, id string, e LogEntry) error {
	res, err := s.jobs.UpdateByID(ctx, id, bson.M{
		"$push": bson.M{"logs": e},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("append log for job %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RestartJob(ctx context.Context, id string) (*Job, error) {
	// The terminal-status filter makes the reset conditional the same way a
	// claim is, so a restart can never race a running attempt.
	j := &Job{}
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []Status{StatusCompleted, StatusFailed}}},
		bson.M{
			"$set":   bson.M{"status": StatusPending, "updated_at": time.Now().UTC()},
			"$unset": bson.M{"error": "", "progress": "", "processing_started_at": "", "completed_at": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Distinguish missing from non-terminal for the caller.
		n, cerr := s.jobs.CountDocuments(ctx, bson.M{"_id": id})
		if cerr == nil && n > 0 {
			return nil, ErrNotTerminal
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restart job %s: %w", id, err)
	}

	if j.BatchID != "" {
		dCompleted, dFailed := 0, 0
		if j.Status == StatusCompleted {
			dCompleted = -1
		} else {
			dFailed = -1
		}
		if err := s.applyBatchDelta(ctx, j.BatchID, +1, 0, dCompleted, dFailed); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

func (s *MongoStore) ResetProcessing(ctx context.Context) ([]string, error) {
	cur, err := s.jobs.Find(ctx, bson.M{"status": StatusProcessing},
		options.Find().SetProjection(bson.M{"_id": 1, "batch_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("query processing jobs: %w", err)
	}

	var stuck []struct {
		ID      string `bson:"_id"`
		BatchID string `bson:"batch_id"`
	}
	if err := cur.All(ctx, &stuck); err != nil {
		return nil, fmt.Errorf("decode processing jobs: %w", err)
	}
	if len(stuck) == 0 {
		return nil, nil
	}

	var ids []string
	for _, doc := range stuck {
		res, err := s.jobs.UpdateOne(ctx,
			bson.M{"_id": doc.ID, "status": StatusProcessing},
			bson.M{
				"$set":   bson.M{"status": StatusPending, "updated_at": time.Now().UTC()},
				"$unset": bson.M{"processing_started_at": ""},
			})
		if err != nil {
			return nil, fmt.Errorf("reset job %s: %w", doc.ID, err)
		}
		if res.ModifiedCount == 0 {
			continue
		}
		ids = append(ids, doc.ID)
		if doc.BatchID != "" {
			if err := s.applyBatchDelta(ctx, doc.BatchID, +1, -1, 0, 0); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *MongoStore) List(ctx context.Context, f Filter) ([]*Job, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Type != "" {
		filter["job_type"] = f.Type
	}
	if f.BatchID != "" {
		filter["batch_id"] = f.BatchID
	}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}

	total, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	cur, err := s.jobs.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(f.Limit)).
		SetProjection(bson.M{"logs": 0}))
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	var jobs []*Job
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, 0, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, int(total), nil
}

func (s *MongoStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b := &Batch{}
	err := s.batches.FindOne(ctx, bson.M{"_id": id}).Decode(b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (s *MongoStore) ArchiveBatch(ctx context.Context, id string, active bool) error {
	res, err := s.batches.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"active": active, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("archive batch %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"status":       bson.M{"$in": []Status{StatusCompleted, StatusFailed}},
		"completed_at": bson.M{"$lt": before.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// applyBatchDelta adjusts counters and derives the batch status in one
// aggregation-pipeline update. Counter add and status derivation must be a
// single atomic document update: a separate status write computed from a
// caller's own snapshot can be overwritten by a concurrent finisher's stale
// derivation, freezing the batch in "processing" with terminal counters.
// The pipeline mirrors Batch.DeriveStatus.
func (s *MongoStore) applyBatchDelta(ctx context.Context, batchID string, dPending, dProcessing, dCompleted, dFailed int) error {
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"pending_jobs":    bson.M{"$add": bson.A{"$pending_jobs", dPending}},
			"processing_jobs": bson.M{"$add": bson.A{"$processing_jobs", dProcessing}},
			"completed_jobs":  bson.M{"$add": bson.A{"$completed_jobs", dCompleted}},
			"failed_jobs":     bson.M{"$add": bson.A{"$failed_jobs", dFailed}},
			"updated_at":      time.Now().UTC(),
		}},
		bson.M{"$set": bson.M{
			"status": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{
						"case": bson.M{"$and": bson.A{
							bson.M{"$gt": bson.A{"$total_jobs", 0}},
							bson.M{"$eq": bson.A{
								bson.M{"$add": bson.A{"$completed_jobs", "$failed_jobs"}},
								"$total_jobs",
							}},
						}},
						"then": BatchCompleted,
					},
					bson.M{
						"case": bson.M{"$gt": bson.A{
							bson.M{"$add": bson.A{"$processing_jobs", "$completed_jobs", "$failed_jobs"}},
							0,
						}},
						"then": BatchProcessing,
					},
				},
				"default": BatchPending,
			}},
		}},
	}

	res, err := s.batches.UpdateByID(ctx, batchID, pipeline)
	if err != nil {
		return fmt.Errorf("update batch %s counters: %w", batchID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update batch %s counters: %w", batchID, ErrNotFound)
	}
	return nil
}
