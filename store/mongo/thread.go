package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// CreateThread persists a new thread. Both the id and the (authority,
// name) pair are unique.
func (s *Store) CreateThread(ctx context.Context, t *thread.Thread) error {
	m, err := toThreadModel(t)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(colThreads).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/mongo: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	return s.findThread(ctx, bson.M{"_id": threadID.String()})
}

// GetThreadByName retrieves a thread by its authority-unique name.
func (s *Store) GetThreadByName(ctx context.Context, authority resource.Handle, name string) (*thread.Thread, error) {
	return s.findThread(ctx, bson.M{"authority": authority.String(), "name": name})
}

func (s *Store) findThread(ctx context.Context, filter bson.M) (*thread.Thread, error) {
	var m threadModel
	if err := s.db.Collection(colThreads).FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/mongo: get thread: %w", err)
	}
	return fromThreadModel(&m)
}

// UpdateThread persists changes to an existing thread. The lease fields
// are not part of the $set.
func (s *Store) UpdateThread(ctx context.Context, t *thread.Thread) error {
	t.UpdatedAt = now()
	m, err := toThreadModel(t)
	if err != nil {
		return err
	}
	res, err := s.db.Collection(colThreads).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{
			"authority":       m.Authority,
			"name":            m.Name,
			"paused":          m.Paused,
			"next_attempt_at": m.NextAttemptAt,
			"data":            m.Data,
			"updated_at":      m.UpdatedAt,
		}},
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/mongo: update thread: %w", err)
	}
	if res.MatchedCount == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// DeleteThread removes a thread by ID.
func (s *Store) DeleteThread(ctx context.Context, threadID id.ID) error {
	res, err := s.db.Collection(colThreads).DeleteOne(ctx, bson.M{"_id": threadID.String()})
	if err != nil {
		return fmt.Errorf("tempo/mongo: delete thread: %w", err)
	}
	if res.DeletedCount == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// ListThreads returns threads matching opts, oldest first.
func (s *Store) ListThreads(ctx context.Context, opts thread.ListOpts) ([]*thread.Thread, error) {
	filter := bson.M{}
	if !opts.Authority.IsZero() {
		filter["authority"] = opts.Authority.String()
	}
	if !opts.IncludePaused {
		filter["paused"] = false
	}
	return s.findThreads(ctx, filter, opts.Limit)
}

// ListDueThreads returns unpaused threads whose backoff has elapsed,
// oldest first.
func (s *Store) ListDueThreads(ctx context.Context, at time.Time, limit int) ([]*thread.Thread, error) {
	return s.findThreads(ctx, bson.M{
		"paused": false,
		"$or": []bson.M{
			{"next_attempt_at": nil},
			{"next_attempt_at": bson.M{"$lte": at}},
		},
	}, limit)
}

func (s *Store) findThreads(ctx context.Context, filter bson.M, limit int) ([]*thread.Thread, error) {
	findOpts := options.Find().SetSort(byAge)
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.db.Collection(colThreads).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: list threads: %w", err)
	}
	defer cursor.Close(ctx)

	var models []threadModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("tempo/mongo: list threads decode: %w", err)
	}

	out := make([]*thread.Thread, 0, len(models))
	for i := range models {
		t, err := fromThreadModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AcquireThreadLease takes the lease when it is free, expired, or already
// held by workerID. FindOneAndUpdate makes the check and the write one
// step.
func (s *Store) AcquireThreadLease(ctx context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error) {
	t := now()
	wID := workerID.String()
	col := s.db.Collection(colThreads)

	filter := bson.M{
		"_id": threadID.String(),
		"$or": []bson.M{
			{"locked_by": ""},
			{"locked_by": wID},
			{"locked_until": nil},
			{"locked_until": bson.M{"$lte": t}},
		},
	}
	update := bson.M{"$set": bson.M{
		"locked_by":    wID,
		"locked_until": t.Add(ttl),
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var m threadModel
	err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err == nil {
		return true, nil
	}
	if !isNoDocuments(err) {
		return false, fmt.Errorf("tempo/mongo: acquire lease: %w", err)
	}
	return false, s.threadExists(ctx, threadID)
}

// ReleaseThreadLease releases the lease if workerID holds it.
func (s *Store) ReleaseThreadLease(ctx context.Context, threadID id.ID, workerID id.ID) error {
	res, err := s.db.Collection(colThreads).UpdateOne(ctx,
		bson.M{"_id": threadID.String(), "locked_by": workerID.String()},
		bson.M{"$set": bson.M{"locked_by": "", "locked_until": nil}},
	)
	if err != nil {
		return fmt.Errorf("tempo/mongo: release lease: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.threadExists(ctx, threadID)
	}
	return nil
}

func (s *Store) threadExists(ctx context.Context, threadID id.ID) error {
	n, err := s.db.Collection(colThreads).CountDocuments(ctx, bson.M{"_id": threadID.String()})
	if err != nil {
		return fmt.Errorf("tempo/mongo: lookup thread: %w", err)
	}
	if n == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}
