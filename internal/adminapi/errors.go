package adminapi

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/ssarunic/dalston-sub001/internal/platform/reqcontext"
	"github.com/ssarunic/dalston-sub001/internal/platform/tracing"
)

// ErrorResponse is the JSON body every admin API error renders as,
// grounded on the teacher's stem/pkg/middleware.Error.
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ErrorHandler builds the echo.HTTPErrorHandler every admin API route
// shares, translating ectoerror/httperror.HTTPError (and plain echo errors)
// into a consistent JSON envelope (teacher's stem/pkg/middleware.Error,
// reimplemented against this module's own reqcontext/tracing packages since
// the teacher's stem module is external to the retrieved pack).
func ErrorHandler(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		logger.WithContext(ctx).WithError(err).Error("admin api returning an error")
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		var meta map[string]any

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}
		if httperror.IsHTTPError(err) {
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			meta = httperr.Meta
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: reqcontext.RequestID(ctx),
			TraceID:   tracing.TraceID(ctx),
			Meta:      meta,
		})
	}
}
