package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

// CreateTable persists a new lookup table.
func (s *Store) CreateTable(ctx context.Context, t *lut.Table) error {
	m, err := toTableModel(t, 0)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(colTables).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrTableAlreadyExists
		}
		return fmt.Errorf("tempo/mongo: create table: %w", err)
	}
	return nil
}

// GetTable retrieves a lookup table by ID.
func (s *Store) GetTable(ctx context.Context, tableID id.ID) (*lut.Table, error) {
	m, err := s.getTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return fromTableModel(m)
}

// ExtendTable appends the handles not yet present. A concurrent writer
// bumps rev, so the write is retried against the fresh document and
// MaxMembers is never overshot.
func (s *Store) ExtendTable(ctx context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*lut.Table, error) {
	var out *lut.Table
	err := s.casTable(ctx, tableID, func(t *lut.Table) (bool, error) {
		added, err := t.Extend(handles, epoch)
		if err != nil {
			return false, err
		}
		out = t
		return added > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateTable marks a table unusable.
func (s *Store) DeactivateTable(ctx context.Context, tableID id.ID) error {
	return s.casTable(ctx, tableID, func(t *lut.Table) (bool, error) {
		t.Deactivated = true
		return true, nil
	})
}

// ListTables returns the tables owned by authority, oldest first.
func (s *Store) ListTables(ctx context.Context, authority resource.Handle) ([]*lut.Table, error) {
	cursor, err := s.db.Collection(colTables).Find(ctx,
		bson.M{"authority": authority.String()},
		options.Find().SetSort(byAge),
	)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: list tables: %w", err)
	}
	defer cursor.Close(ctx)

	var models []tableModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("tempo/mongo: list tables decode: %w", err)
	}

	out := make([]*lut.Table, 0, len(models))
	for i := range models {
		t, err := fromTableModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) getTable(ctx context.Context, tableID id.ID) (*tableModel, error) {
	var m tableModel
	err := s.db.Collection(colTables).FindOne(ctx, bson.M{"_id": tableID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tempo.ErrTableNotFound
		}
		return nil, fmt.Errorf("tempo/mongo: get table: %w", err)
	}
	return &m, nil
}

// casTable applies fn to the stored table and writes it back only if
// nobody else wrote in between. fn reports whether there is anything to
// write.
func (s *Store) casTable(ctx context.Context, tableID id.ID, fn func(*lut.Table) (bool, error)) error {
	col := s.db.Collection(colTables)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := s.getTable(ctx, tableID)
		if err != nil {
			return err
		}
		t, err := fromTableModel(m)
		if err != nil {
			return err
		}
		changed, err := fn(t)
		if err != nil || !changed {
			return err
		}

		next, err := toTableModel(t, m.Rev+1)
		if err != nil {
			return err
		}
		res, err := col.UpdateOne(ctx,
			bson.M{"_id": m.ID, "rev": m.Rev},
			bson.M{"$set": bson.M{"data": next.Data, "rev": next.Rev}},
		)
		if err != nil {
			return fmt.Errorf("tempo/mongo: update table: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
		s.logger.Debug("table changed underneath, retrying", slog.String("table_id", m.ID))
	}
}
