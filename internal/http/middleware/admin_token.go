package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminTokenMiddleware guards the admin API with a shared secret. An empty
// token disables the admin API entirely.
func AdminTokenMiddleware(token string) echo.MiddlewareFunc {
	want := []byte(strings.TrimSpace(token))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(want) == 0 {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "admin api disabled"})
			}
			got := []byte(strings.TrimSpace(c.Request().Header.Get(AdminTokenHeader)))
			if len(got) == 0 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing admin token"})
			}
			if subtle.ConstantTimeCompare(got, want) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			}
			return next(c)
		}
	}
}
