package gatekeeper

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
)

// RoleMatrix is the role × permission grid. Cells[i][j] is the scope
// Roles[i] holds Permissions[j] at after inheritance, or nil.
type RoleMatrix struct {
	Roles       []*role.Role             `json:"roles"`
	Permissions []*permission.Permission `json:"permissions"`
	Cells       [][]*scope.Scope         `json:"cells"`
}

// MatrixPage selects a window of users. A zero Limit uses
// Config.MatrixPageSize.
type MatrixPage struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// UserMatrixRow is one user's effective permissions over the matrix
// columns. A nil cell means the user does not hold the permission; a
// cell with IsGranted=false is a direct denial.
type UserMatrixRow struct {
	UserID string                 `json:"user_id"`
	Cells  []*EffectivePermission `json:"cells"`
}

// UserMatrix is one page of the user × permission grid.
type UserMatrix struct {
	Permissions []*permission.Permission `json:"permissions"`
	Rows        []UserMatrixRow          `json:"rows"`
	Total       int                      `json:"total"`
	Offset      int                      `json:"offset"`
	NextOffset  int                      `json:"next_offset"`
	HasMore     bool                     `json:"has_more"`
}

// BuildRolePermissionMatrix renders every role against every active
// permission from the memoized inherited sets.
func (e *Engine) BuildRolePermissionMatrix(ctx context.Context) (*RoleMatrix, error) {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.BuildRolePermissionMatrix")
	defer span.End()

	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, fail(span, translate(err))
	}
	m := &RoleMatrix{Roles: g.roles}
	column := make(map[string]int)
	for _, p := range g.sorted {
		if !p.IsActive {
			continue
		}
		column[p.ID.String()] = len(m.Permissions)
		m.Permissions = append(m.Permissions, p)
	}
	m.Cells = make([][]*scope.Scope, len(g.roles))
	for i := range g.roles {
		m.Cells[i] = make([]*scope.Scope, len(m.Permissions))
		for _, ig := range g.inheritedGrants(i) {
			if j, ok := column[ig.Permission.ID.String()]; ok {
				m.Cells[i][j] = scopeOf(ig.Scope)
			}
		}
	}
	return m, nil
}

// BuildUserEffectiveMatrix evaluates one page of userIDs against permIDs
// (every active permission when empty). Users in the page are resolved
// concurrently, at most Config.MatrixConcurrency at a time.
func (e *Engine) BuildUserEffectiveMatrix(ctx context.Context, userIDs []string, permIDs []id.PermissionID, page MatrixPage) (*UserMatrix, error) {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.BuildUserEffectiveMatrix")
	defer span.End()

	if page.Offset < 0 || page.Limit < 0 {
		return nil, fail(span, fmt.Errorf("%w: negative page", ErrMalformedRequest))
	}
	limit := page.Limit
	if limit == 0 {
		limit = e.config.MatrixPageSize
	}

	gen := e.gen.Load()
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, fail(span, translate(err))
	}
	columns, err := matrixColumns(g, permIDs)
	if err != nil {
		return nil, fail(span, err)
	}

	m := &UserMatrix{Permissions: columns, Total: len(userIDs), Offset: page.Offset}
	start := min(page.Offset, len(userIDs))
	end := min(start+limit, len(userIDs))
	users := userIDs[start:end]
	m.NextOffset = end
	m.HasMore = end < len(userIDs)
	m.Rows = make([]UserMatrixRow, len(users))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.config.MatrixConcurrency)
	for i, userID := range users {
		eg.Go(func() error {
			set, err := e.effectiveSet(egCtx, g, userID, gen)
			if err != nil {
				return err
			}
			m.Rows[i] = matrixRow(g, columns, userID, set)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fail(span, translate(err))
	}
	return m, nil
}

// StreamUserEffectiveMatrix evaluates userIDs one at a time and hands
// each row to fn, so exports never hold the whole grid. It stops at the
// first error from fn.
func (e *Engine) StreamUserEffectiveMatrix(ctx context.Context, userIDs []string, permIDs []id.PermissionID, fn func(UserMatrixRow) error) error {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.StreamUserEffectiveMatrix")
	defer span.End()

	gen := e.gen.Load()
	g, err := e.snapshot(ctx)
	if err != nil {
		return fail(span, translate(err))
	}
	columns, err := matrixColumns(g, permIDs)
	if err != nil {
		return fail(span, err)
	}
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return fail(span, err)
		}
		set, err := e.effectiveSet(ctx, g, userID, gen)
		if err != nil {
			return fail(span, translate(err))
		}
		if err := fn(matrixRow(g, columns, userID, set)); err != nil {
			return err
		}
	}
	return nil
}

// MatrixColumns returns the permissions a user matrix over permIDs would
// use as columns, in order.
func (e *Engine) MatrixColumns(ctx context.Context, permIDs []id.PermissionID) ([]*permission.Permission, error) {
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return matrixColumns(g, permIDs)
}

func matrixColumns(g *graph, permIDs []id.PermissionID) ([]*permission.Permission, error) {
	if len(permIDs) == 0 {
		var cols []*permission.Permission
		for _, p := range g.sorted {
			if p.IsActive {
				cols = append(cols, p)
			}
		}
		return cols, nil
	}
	cols := make([]*permission.Permission, 0, len(permIDs))
	for _, pid := range permIDs {
		p, ok := g.permission(pid)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, pid)
		}
		cols = append(cols, p)
	}
	return cols, nil
}

// matrixRow places a user's active entries under their columns. A denial
// outranks a grant of the same permission.
func matrixRow(g *graph, columns []*permission.Permission, userID string, set *EffectiveSet) UserMatrixRow {
	row := UserMatrixRow{UserID: userID, Cells: make([]*EffectivePermission, len(columns))}
	index := make(map[string]int, len(columns))
	for j, p := range columns {
		index[p.ID.String()] = j
	}
	for _, ep := range activeEntries(g, set.Entries) {
		j, ok := index[ep.Permission.ID.String()]
		if !ok {
			continue
		}
		if cur := row.Cells[j]; cur != nil && (!cur.IsGranted || (ep.IsGranted && !ep.Scope.WiderThan(cur.Scope))) {
			continue
		}
		cell := ep
		row.Cells[j] = &cell
	}
	return row
}
