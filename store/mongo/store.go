// Package mongo provides a MongoDB implementation of the gatekeeper
// composite store on top of the Grove mongo driver. Transactions use
// driver sessions and therefore need a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/gatekeeper/store"
)

// Collection name constants.
const (
	colPermissions   = "gatekeeper_permissions"
	colRoles         = "gatekeeper_roles"
	colRoleGrants    = "gatekeeper_role_grants"
	colAssignments   = "gatekeeper_assignments"
	colUserGrants    = "gatekeeper_user_grants"
	colUserRevisions = "gatekeeper_user_revisions"
	colTemplates     = "gatekeeper_templates"
	colAudit         = "gatekeeper_audit_log"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of the composite gatekeeper store.
type Store struct {
	db   *grove.DB
	mdb  *mongodriver.MongoDB
	inTx bool
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Tx runs fn inside a multi-document transaction. The session travels in
// ctx, so fn must pass the context it receives to every store call.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	client := s.mdb.Collection(colRoles).Database().Client()
	sess, err := client.StartSession()
	if err != nil {
		return fmt.Errorf("gatekeeper/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	tx := &Store{db: s.db, mdb: s.mdb, inTx: true}
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, tx)
	})
	return err
}

// Migrate creates indexes for all gatekeeper collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("gatekeeper/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current UTC time truncated to BSON precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, mongod.ErrNoDocuments):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case mongod.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", what, store.ErrDuplicate)
	}
	return fmt.Errorf("gatekeeper/mongo: %s: %w", what, err)
}

// exists reports whether a document with the given _id is present.
func (s *Store) exists(ctx context.Context, col, docID string) (bool, error) {
	n, err := s.mdb.Collection(col).CountDocuments(ctx, bson.M{"_id": docID})
	return n > 0, err
}

// casFailure distinguishes a missing document from a stale version after
// a conditional update matched nothing.
func (s *Store) casFailure(ctx context.Context, col, docID, what string) error {
	ok, err := s.exists(ctx, col, docID)
	if err != nil {
		return mapErr(err, "%s %s", what, docID)
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", what, docID, store.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, docID, store.ErrConflict)
}

// search builds a case-insensitive substring match.
func search(term string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(term), "$options": "i"}
}

// upsertOne applies update to the document matching filter, inserting it
// when missing, and decodes the stored result into out.
func (s *Store) upsertOne(ctx context.Context, col string, filter, update bson.M, out any) error {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	return s.mdb.Collection(col).FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
}

// migrationIndexes returns the index definitions for all gatekeeper collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colPermissions: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "resource_type", Value: 1}, {Key: "action", Value: 1}, {Key: "scope", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"is_active": true}),
			},
		},
		colRoles: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "parent_id", Value: 1}}},
		},
		colRoleGrants: {
			{
				Keys:    bson.D{{Key: "role_id", Value: 1}, {Key: "permission_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "permission_id", Value: 1}}},
		},
		colAssignments: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "role_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "role_id", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colUserGrants: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "permission_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTemplates: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colAudit: {
			{Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}}},
			{Keys: bson.D{{Key: "actor_id", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
	}
}
