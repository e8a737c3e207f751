package gatekeeper

import (
	"context"

	"github.com/xraph/forge"

	"github.com/xraph/gatekeeper/condition"
)

type contextKey int

const (
	ctxKeyActor contextKey = iota
	ctxKeyOrg
)

type actor struct {
	id string
	ip string
}

type org struct {
	appID string
	orgID string
}

// WithActor returns a context carrying the principal recorded on audit
// entries. Inside a Forge app the authenticated user is used when no actor
// is set explicitly.
func WithActor(ctx context.Context, actorID, actorIP string) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor{id: actorID, ip: actorIP})
}

// WithOrg returns a context with the given app and org IDs.
// Use this for standalone mode (without Forge).
func WithOrg(ctx context.Context, appID, orgID string) context.Context {
	return context.WithValue(ctx, ctxKeyOrg, org{appID: appID, orgID: orgID})
}

func actorFromContext(ctx context.Context) (string, string) {
	if a, ok := ctx.Value(ctxKeyActor).(actor); ok {
		return a.id, a.ip
	}
	return forge.UserIDFromContext(ctx), ""
}

// orgFromContext prefers forge.Scope and falls back to WithOrg.
func orgFromContext(ctx context.Context) org {
	if s, ok := forge.ScopeFrom(ctx); ok {
		return org{appID: s.AppID(), orgID: s.OrgID()}
	}
	o, _ := ctx.Value(ctxKeyOrg).(org) //nolint:errcheck // zero value is fine
	return o
}

// conditionContext merges request attributes with the caller's org scope.
// Values supplied on the request win.
func conditionContext(ctx context.Context, req *Request) condition.Context {
	base := condition.Context{"user_id": req.UserID}
	o := orgFromContext(ctx)
	if o.orgID != "" {
		base["org_id"] = o.orgID
	}
	if o.appID != "" {
		base["app_id"] = o.appID
	}
	return base.Merge(req.Context)
}
