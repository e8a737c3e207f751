package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/store"
)

// ──────────────────────────────────────────────────
// Assignments
// ──────────────────────────────────────────────────

func (s *Store) UpsertAssignment(ctx context.Context, a *assignment.Assignment) error {
	if err := s.requireRole(ctx, a.RoleID); err != nil {
		return err
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now()
	}
	var expires any
	if a.ExpiresAt != nil {
		expires = a.ExpiresAt.UTC()
	}
	var m assignmentModel
	err := s.upsertOne(ctx, colAssignments,
		bson.M{"user_id": a.UserID, "role_id": a.RoleID.String()},
		bson.M{
			"$set": bson.M{
				"assigned_at": a.AssignedAt.UTC(),
				"assigned_by": a.AssignedBy,
				"expires_at":  expires,
			},
			"$setOnInsert": bson.M{"_id": a.ID.String()},
		}, &m)
	if err != nil {
		return mapErr(err, "assign role %s to %q", a.RoleID, a.UserID)
	}
	a.ID = assignmentFromModel(&m).ID
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, userID string, roleID id.RoleID) (*assignment.Assignment, error) {
	var m assignmentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"user_id": userID, "role_id": roleID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "assignment of %s to %q", roleID, userID)
	}
	return assignmentFromModel(&m), nil
}

func (s *Store) DeleteAssignment(ctx context.Context, userID string, roleID id.RoleID) (bool, error) {
	res, err := s.mdb.NewDelete((*assignmentModel)(nil)).
		Filter(bson.M{"user_id": userID, "role_id": roleID.String()}).
		Exec(ctx)
	if err != nil {
		return false, mapErr(err, "unassign role %s from %q", roleID, userID)
	}
	return res.DeletedCount() > 0, nil
}

func (s *Store) ListAssignments(ctx context.Context, filter *assignment.ListFilter) ([]*assignment.Assignment, error) {
	f := bson.M{}
	if filter != nil {
		if filter.UserID != "" {
			f["user_id"] = filter.UserID
		}
		if filter.RoleID != nil {
			f["role_id"] = filter.RoleID.String()
		}
	}
	var models []assignmentModel
	q := s.mdb.NewFind(&models).
		Filter(f).
		Sort(bson.D{{Key: "user_id", Value: 1}, {Key: "assigned_at", Value: 1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list assignments")
	}
	result := make([]*assignment.Assignment, len(models))
	for i := range models {
		result[i] = assignmentFromModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListUsersForRoles(ctx context.Context, roleIDs []id.RoleID) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(roleIDs))
	for i, rid := range roleIDs {
		ids[i] = rid.String()
	}
	var users []string
	err := s.mdb.Collection(colAssignments).
		Distinct(ctx, "user_id", bson.M{"role_id": bson.M{"$in": ids}}).
		Decode(&users)
	if err != nil {
		return nil, mapErr(err, "list users for roles")
	}
	slices.Sort(users)
	return users, nil
}

func (s *Store) DeleteExpiredAssignments(ctx context.Context, at time.Time) ([]*assignment.Assignment, error) {
	expired := bson.M{"expires_at": bson.M{"$ne": nil, "$lte": at.UTC()}}
	var models []assignmentModel
	if err := s.mdb.NewFind(&models).Filter(expired).Scan(ctx); err != nil {
		return nil, mapErr(err, "list expired assignments")
	}
	if len(models) == 0 {
		return nil, nil
	}
	ids := make([]string, len(models))
	removed := make([]*assignment.Assignment, len(models))
	for i := range models {
		ids[i] = models[i].ID
		removed[i] = assignmentFromModel(&models[i])
	}
	_, err := s.mdb.NewDelete((*assignmentModel)(nil)).
		Many().
		Filter(bson.M{"_id": bson.M{"$in": ids}}).
		Exec(ctx)
	if err != nil {
		return nil, mapErr(err, "delete expired assignments")
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Direct grants
// ──────────────────────────────────────────────────

func (s *Store) UpsertUserGrant(ctx context.Context, g *grant.Grant) error {
	if g.AssignedAt.IsZero() {
		g.AssignedAt = now()
	}
	var m userGrantModel
	err := s.upsertOne(ctx, colUserGrants,
		bson.M{"user_id": g.UserID, "permission_id": g.PermissionID.String()},
		bson.M{
			"$set": bson.M{
				"polarity":    string(g.Polarity),
				"scope":       string(g.Scope),
				"reason":      g.Reason,
				"source":      g.Source,
				"assigned_at": g.AssignedAt.UTC(),
				"assigned_by": g.AssignedBy,
			},
			"$setOnInsert": bson.M{"_id": g.ID.String()},
		}, &m)
	if err != nil {
		return mapErr(err, "grant %s to %q", g.PermissionID, g.UserID)
	}
	g.ID = userGrantFromModel(&m).ID
	return nil
}

func (s *Store) GetUserGrant(ctx context.Context, userID string, permID id.PermissionID) (*grant.Grant, error) {
	var m userGrantModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"user_id": userID, "permission_id": permID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "direct grant of %s to %q", permID, userID)
	}
	return userGrantFromModel(&m), nil
}

func (s *Store) DeleteUserGrant(ctx context.Context, userID string, permID id.PermissionID) (bool, error) {
	res, err := s.mdb.NewDelete((*userGrantModel)(nil)).
		Filter(bson.M{"user_id": userID, "permission_id": permID.String()}).
		Exec(ctx)
	if err != nil {
		return false, mapErr(err, "revoke direct grant of %s from %q", permID, userID)
	}
	return res.DeletedCount() > 0, nil
}

func (s *Store) ListUserGrants(ctx context.Context, filter *grant.ListFilter) ([]*grant.Grant, error) {
	f := bson.M{}
	if filter != nil {
		if filter.UserID != "" {
			f["user_id"] = filter.UserID
		}
		if filter.PermissionID != nil {
			f["permission_id"] = filter.PermissionID.String()
		}
		if filter.Polarity != "" {
			f["polarity"] = string(filter.Polarity)
		}
	}
	var models []userGrantModel
	q := s.mdb.NewFind(&models).
		Filter(f).
		Sort(bson.D{{Key: "user_id", Value: 1}, {Key: "assigned_at", Value: 1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list direct grants")
	}
	result := make([]*grant.Grant, len(models))
	for i := range models {
		result[i] = userGrantFromModel(&models[i])
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// User revisions
// ──────────────────────────────────────────────────

func (s *Store) GetUserRevision(ctx context.Context, userID string) (int64, error) {
	var m revisionModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": userID}).Scan(ctx)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr(err, "revision of %q", userID)
	}
	return m.Revision, nil
}

func (s *Store) BumpUserRevision(ctx context.Context, userID string, expected int64) (int64, error) {
	next := expected + 1
	if expected == 0 {
		_, err := s.mdb.NewInsert(&revisionModel{UserID: userID, Revision: next}).Exec(ctx)
		if err == nil {
			return next, nil
		}
		if !mongod.IsDuplicateKeyError(err) {
			return 0, mapErr(err, "bump revision of %q", userID)
		}
	}
	res, err := s.mdb.NewUpdate((*revisionModel)(nil)).
		Filter(bson.M{"_id": userID, "revision": expected}).
		Set("revision", next).
		Exec(ctx)
	if err != nil {
		return 0, mapErr(err, "bump revision of %q", userID)
	}
	if res.MatchedCount() == 0 {
		return 0, fmt.Errorf("user %q at revision %d: %w", userID, expected, store.ErrConflict)
	}
	return next, nil
}
