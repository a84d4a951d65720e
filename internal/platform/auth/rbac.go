package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireSelfOrRole passes when the route parameter param equals the caller's
// id (a patient reading their own records) or the caller holds one of roles.
func RequireSelfOrRole(param string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if uid := UserIDFromContext(ctx); uid != "" && c.Param(param) == uid {
				return next(c)
			}
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "access to another user's records is not allowed")
		}
	}
}

// ActorType classifies the caller for message senders and audit entries:
// doctor, patient or admin. Unauthenticated contexts are "system".
func ActorType(ctx context.Context) string {
	roles := RolesFromContext(ctx)
	for _, preferred := range []string{RoleDoctor, RolePatient, RoleAdmin} {
		for _, r := range roles {
			if r == preferred {
				return preferred
			}
		}
	}
	return "system"
}
