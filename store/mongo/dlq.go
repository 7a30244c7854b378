package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
)

// PushDLQ adds a failure report.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	m, err := toDLQModel(entry)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(colDLQ).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("tempo/mongo: push report: %w", err)
	}
	return nil
}

// ListDLQ returns reports matching opts, oldest failure first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	filter := bson.M{}
	if !opts.ThreadID.IsNil() {
		filter["thread_id"] = opts.ThreadID.String()
	}
	if !opts.Authority.IsZero() {
		filter["authority"] = opts.Authority.String()
	}
	if opts.OpenOnly {
		filter["replayed_at"] = nil
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colDLQ).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: list reports: %w", err)
	}
	defer cursor.Close(ctx)

	var models []dlqModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("tempo/mongo: list reports decode: %w", err)
	}

	out := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, err := fromDLQModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetDLQ retrieves a report by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.ID) (*dlq.Entry, error) {
	var m dlqModel
	err := s.db.Collection(colDLQ).FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tempo.ErrReportNotFound
		}
		return nil, fmt.Errorf("tempo/mongo: get report: %w", err)
	}
	return fromDLQModel(&m)
}

// ReplayDLQ marks a report as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.ID) error {
	res, err := s.db.Collection(colDLQ).UpdateOne(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{"replayed_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("tempo/mongo: replay report: %w", err)
	}
	if res.MatchedCount == 0 {
		return tempo.ErrReportNotFound
	}
	return nil
}

// PurgeDLQ removes reports that failed before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colDLQ).DeleteMany(ctx, bson.M{"failed_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("tempo/mongo: purge reports: %w", err)
	}
	return res.DeletedCount, nil
}

// CountDLQ returns the total number of reports.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(colDLQ).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("tempo/mongo: count reports: %w", err)
	}
	return n, nil
}
