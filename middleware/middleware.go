// Package middleware provides Forge HTTP authorization middleware backed
// by a gatekeeper engine.
package middleware

import (
	"encoding/json"

	"github.com/xraph/forge"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/scope"
)

// Check names one (resource type, action, scope) requirement.
type Check struct {
	ResourceType string
	Action       string
	Scope        scope.Scope
}

// Require enforces that the authenticated user may perform action on
// resourceType at scope sc. Route parameters are passed to conditions as
// request context.
func Require(eng *gatekeeper.Engine, resourceType, action string, sc scope.Scope) forge.Middleware {
	return RequireAll(eng, Check{ResourceType: resourceType, Action: action, Scope: sc})
}

// RequireAny allows the request if ANY of the checks pass.
func RequireAny(eng *gatekeeper.Engine, checks ...Check) forge.Middleware {
	return func(next forge.Handler) forge.Handler {
		return func(ctx forge.Context) error {
			userID := forge.UserIDFromContext(ctx.Context())
			if userID == "" {
				return errorResponse(ctx, gatekeeper.ErrAccessDenied)
			}
			var last error = gatekeeper.ErrAccessDenied
			for _, c := range checks {
				err := eng.Enforce(ctx.Context(), request(ctx, userID, c))
				if err == nil {
					return next(ctx)
				}
				last = err
			}
			return errorResponse(ctx, last)
		}
	}
}

// RequireAll allows the request only if ALL checks pass.
func RequireAll(eng *gatekeeper.Engine, checks ...Check) forge.Middleware {
	return func(next forge.Handler) forge.Handler {
		return func(ctx forge.Context) error {
			userID := forge.UserIDFromContext(ctx.Context())
			if userID == "" {
				return errorResponse(ctx, gatekeeper.ErrAccessDenied)
			}
			for _, c := range checks {
				if err := eng.Enforce(ctx.Context(), request(ctx, userID, c)); err != nil {
					return errorResponse(ctx, err)
				}
			}
			return next(ctx)
		}
	}
}

func request(ctx forge.Context, userID string, c Check) *gatekeeper.Request {
	req := &gatekeeper.Request{
		UserID:       userID,
		ResourceType: c.ResourceType,
		Action:       c.Action,
		Scope:        c.Scope,
	}
	if id := ctx.Param("id"); id != "" {
		req.Context = map[string]any{"resource_id": id}
	}
	return req
}

// errorResponse writes err as JSON with the status HTTPStatus assigns it.
// Internal failures are not echoed to the client.
func errorResponse(ctx forge.Context, err error) error {
	status := gatekeeper.HTTPStatus(err)
	msg := err.Error()
	if status >= 500 {
		msg = "authorization unavailable"
	}
	ctx.SetHeader("Content-Type", "application/json")
	ctx.Response().WriteHeader(status)
	return json.NewEncoder(ctx.Response()).Encode(map[string]string{"error": msg})
}
