package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/store"
)

// ──────────────────────────────────────────────────
// Role assignments
// ──────────────────────────────────────────────────

func (s *Store) UpsertAssignment(ctx context.Context, a *assignment.Assignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	_, err := s.q.NewInsert(assignmentToModel(a)).
		OnConflict("(user_id, role_id) DO UPDATE SET " +
			"assigned_at = EXCLUDED.assigned_at, " +
			"assigned_by = EXCLUDED.assigned_by, " +
			"expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return mapErr(err, "assign role %s to %q", a.RoleID, a.UserID)
	}
	stored, err := s.GetAssignment(ctx, a.UserID, a.RoleID)
	if err != nil {
		return err
	}
	a.ID = stored.ID
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, userID string, roleID id.RoleID) (*assignment.Assignment, error) {
	m := new(assignmentModel)
	err := s.q.NewSelect(m).
		Where("user_id = ?", userID).
		Where("role_id = ?", roleID.String()).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "assignment of %s to %q", roleID, userID)
	}
	return assignmentFromModel(m), nil
}

func (s *Store) DeleteAssignment(ctx context.Context, userID string, roleID id.RoleID) (bool, error) {
	res, err := s.q.NewDelete((*assignmentModel)(nil)).
		Where("user_id = ?", userID).
		Where("role_id = ?", roleID.String()).
		Exec(ctx)
	if err != nil {
		return false, mapErr(err, "unassign role %s from %q", roleID, userID)
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *Store) ListAssignments(ctx context.Context, filter *assignment.ListFilter) ([]*assignment.Assignment, error) {
	var models []assignmentModel
	q := s.q.NewSelect(&models)
	if filter != nil {
		if filter.UserID != "" {
			q = q.Where("user_id = ?", filter.UserID)
		}
		if filter.RoleID != nil {
			q = q.Where("role_id = ?", filter.RoleID.String())
		}
		q = page(q, filter.Limit, filter.Offset)
	}
	if err := q.OrderExpr("user_id ASC, assigned_at ASC").Scan(ctx); err != nil {
		return nil, mapErr(err, "list assignments")
	}
	return assignmentsFromModels(models), nil
}

func (s *Store) ListUsersForRoles(ctx context.Context, roleIDs []id.RoleID) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(roleIDs))
	for i, rid := range roleIDs {
		ids[i] = rid.String()
	}
	clause, args := inList("role_id", ids)
	var models []assignmentModel
	if err := s.q.NewSelect(&models).Where(clause, args...).OrderExpr("user_id ASC").Scan(ctx); err != nil {
		return nil, mapErr(err, "list users for roles")
	}
	var users []string
	for i := range models {
		if n := len(users); n == 0 || users[n-1] != models[i].UserID {
			users = append(users, models[i].UserID)
		}
	}
	return users, nil
}

func (s *Store) DeleteExpiredAssignments(ctx context.Context, now time.Time) ([]*assignment.Assignment, error) {
	var models []assignmentModel
	err := s.q.NewSelect(&models).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now.UTC()).
		OrderExpr("user_id ASC, role_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "find expired assignments")
	}
	if len(models) == 0 {
		return nil, nil
	}
	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	clause, args := inList("id", ids)
	if _, err := s.q.NewDelete((*assignmentModel)(nil)).Where(clause, args...).Exec(ctx); err != nil {
		return nil, mapErr(err, "delete expired assignments")
	}
	return assignmentsFromModels(models), nil
}

func assignmentsFromModels(models []assignmentModel) []*assignment.Assignment {
	result := make([]*assignment.Assignment, len(models))
	for i := range models {
		result[i] = assignmentFromModel(&models[i])
	}
	return result
}

// ──────────────────────────────────────────────────
// Direct grants
// ──────────────────────────────────────────────────

func (s *Store) UpsertUserGrant(ctx context.Context, g *grant.Grant) error {
	if g.AssignedAt.IsZero() {
		g.AssignedAt = time.Now().UTC()
	}
	_, err := s.q.NewInsert(userGrantToModel(g)).
		OnConflict("(user_id, permission_id) DO UPDATE SET " +
			"polarity = EXCLUDED.polarity, " +
			"scope = EXCLUDED.scope, " +
			"reason = EXCLUDED.reason, " +
			"source = EXCLUDED.source, " +
			"assigned_at = EXCLUDED.assigned_at, " +
			"assigned_by = EXCLUDED.assigned_by").
		Exec(ctx)
	if err != nil {
		return mapErr(err, "direct grant of %s to %q", g.PermissionID, g.UserID)
	}
	stored, err := s.GetUserGrant(ctx, g.UserID, g.PermissionID)
	if err != nil {
		return err
	}
	g.ID = stored.ID
	return nil
}

func (s *Store) GetUserGrant(ctx context.Context, userID string, permID id.PermissionID) (*grant.Grant, error) {
	m := new(userGrantModel)
	err := s.q.NewSelect(m).
		Where("user_id = ?", userID).
		Where("permission_id = ?", permID.String()).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "direct grant of %s to %q", permID, userID)
	}
	return userGrantFromModel(m), nil
}

func (s *Store) DeleteUserGrant(ctx context.Context, userID string, permID id.PermissionID) (bool, error) {
	res, err := s.q.NewDelete((*userGrantModel)(nil)).
		Where("user_id = ?", userID).
		Where("permission_id = ?", permID.String()).
		Exec(ctx)
	if err != nil {
		return false, mapErr(err, "revoke direct grant of %s from %q", permID, userID)
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *Store) ListUserGrants(ctx context.Context, filter *grant.ListFilter) ([]*grant.Grant, error) {
	var models []userGrantModel
	q := s.q.NewSelect(&models)
	if filter != nil {
		if filter.UserID != "" {
			q = q.Where("user_id = ?", filter.UserID)
		}
		if filter.PermissionID != nil {
			q = q.Where("permission_id = ?", filter.PermissionID.String())
		}
		if filter.Polarity != "" {
			q = q.Where("polarity = ?", string(filter.Polarity))
		}
		q = page(q, filter.Limit, filter.Offset)
	}
	if err := q.OrderExpr("user_id ASC, assigned_at ASC").Scan(ctx); err != nil {
		return nil, mapErr(err, "list direct grants")
	}
	result := make([]*grant.Grant, len(models))
	for i := range models {
		result[i] = userGrantFromModel(&models[i])
	}
	return result, nil
}

func (s *Store) GetUserRevision(ctx context.Context, userID string) (int64, error) {
	m := new(revisionModel)
	err := s.q.NewSelect(m).Where("user_id = ?", userID).Scan(ctx)
	if err != nil {
		err = mapErr(err, "revision of %q", userID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return m.Revision, nil
}

// BumpUserRevision advances the revision from expected to expected+1. The
// first bump inserts the row; a concurrent first bump loses on the primary
// key and reports a conflict.
func (s *Store) BumpUserRevision(ctx context.Context, userID string, expected int64) (int64, error) {
	var (
		n   int64
		err error
	)
	if expected == 0 {
		res, execErr := s.q.NewInsert(&revisionModel{UserID: userID, Revision: 1}).
			OnConflict("(user_id) DO NOTHING").
			Exec(ctx)
		if execErr != nil {
			return 0, mapErr(execErr, "bump revision of %q", userID)
		}
		n, err = affected(res)
	} else {
		res, execErr := s.q.NewUpdate((*revisionModel)(nil)).
			Set("revision = ?", expected+1).
			Where("user_id = ?", userID).
			Where("revision = ?", expected).
			Exec(ctx)
		if execErr != nil {
			return 0, mapErr(execErr, "bump revision of %q", userID)
		}
		n, err = affected(res)
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("user %q at revision %d: %w", userID, expected, store.ErrConflict)
	}
	return expected + 1, nil
}
