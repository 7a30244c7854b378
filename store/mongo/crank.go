package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// CreateCrank persists a new crank. The derived address is unique.
func (s *Store) CreateCrank(ctx context.Context, c *crank.State) error {
	m, err := toCrankModel(c)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(colCranks).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrCrankAlreadyExists
		}
		return fmt.Errorf("tempo/mongo: create crank: %w", err)
	}
	return nil
}

// GetCrank retrieves a crank by ID.
func (s *Store) GetCrank(ctx context.Context, crankID id.ID) (*crank.State, error) {
	var m crankModel
	err := s.db.Collection(colCranks).FindOne(ctx, bson.M{"_id": crankID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tempo.ErrCrankNotFound
		}
		return nil, fmt.Errorf("tempo/mongo: get crank: %w", err)
	}
	return fromCrankModel(&m)
}

// UpdateCrank persists changes to an existing crank.
func (s *Store) UpdateCrank(ctx context.Context, c *crank.State) error {
	m, err := toCrankModel(c)
	if err != nil {
		return err
	}
	res, err := s.db.Collection(colCranks).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{"data": m.Data}},
	)
	if err != nil {
		return fmt.Errorf("tempo/mongo: update crank: %w", err)
	}
	if res.MatchedCount == 0 {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// DeleteCrank removes a crank by ID.
func (s *Store) DeleteCrank(ctx context.Context, crankID id.ID) error {
	res, err := s.db.Collection(colCranks).DeleteOne(ctx, bson.M{"_id": crankID.String()})
	if err != nil {
		return fmt.Errorf("tempo/mongo: delete crank: %w", err)
	}
	if res.DeletedCount == 0 {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// ListCranks returns the cranks owned by authority, oldest first.
func (s *Store) ListCranks(ctx context.Context, authority resource.Handle) ([]*crank.State, error) {
	cursor, err := s.db.Collection(colCranks).Find(ctx,
		bson.M{"authority": authority.String()},
		options.Find().SetSort(byAge),
	)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: list cranks: %w", err)
	}
	defer cursor.Close(ctx)

	var models []crankModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("tempo/mongo: list cranks decode: %w", err)
	}

	out := make([]*crank.State, 0, len(models))
	for i := range models {
		c, err := fromCrankModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
