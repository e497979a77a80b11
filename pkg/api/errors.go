package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ajsinha/dgfacade/pkg/dispatch"
)

// mapDispatchError maps dispatch pipeline errors to HTTP error responses.
func mapDispatchError(err error) *echo.HTTPError {
	var dispatchErr *dispatch.Error
	if errors.As(err, &dispatchErr) {
		switch dispatchErr.Kind {
		case dispatch.KindAuthFailed:
			return echo.NewHTTPError(http.StatusUnauthorized, dispatchErr.Error())
		case dispatch.KindHandlerNotFound:
			return echo.NewHTTPError(http.StatusNotFound, dispatchErr.Error())
		case dispatch.KindInvalidRequest:
			return echo.NewHTTPError(http.StatusBadRequest, dispatchErr.Error())
		case dispatch.KindBrokerUnavailable:
			return echo.NewHTTPError(http.StatusServiceUnavailable, dispatchErr.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, dispatchErr.Error())
		}
	}

	slog.Error("Unexpected dispatch error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
