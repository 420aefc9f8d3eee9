package middleware

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/campaign-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxUserID  = "user_id"
	ctxUserRPS = "user_rps"
)

// UserIDFromCtx extracts the authenticated user id set by APIKeyMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxUserID).(int64)
	return id, ok && id > 0
}

// APIKeyMiddleware authenticates requests using the X-API-Key header.
// Browsers cannot set headers on a websocket upgrade, so the api_key query
// parameter is accepted as well.
func APIKeyMiddleware(users repository.UsersRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				key = strings.TrimSpace(c.QueryParam("api_key"))
			}
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			u, err := users.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				c.Logger().Errorf("api key lookup failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if !u.Active() {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxUserID, u.ID)
			if u.RateLimitRPS != nil {
				c.Set(ctxUserRPS, *u.RateLimitRPS)
			}
			return next(c)
		}
	}
}
