package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/campaign"
	"github.com/labstack/echo/v4"
)

// writeError maps domain errors onto status codes. Unknown errors are logged
// and reported as 500 without detail.
func writeError(c echo.Context, err error) error {
	var ve *campaign.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
