package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgapi "github.com/ventupx/wrb-vpn-system/pkg/api"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

func writeSuccess[T any](c *gin.Context, status int, data T) {
	c.JSON(status, pkgapi.Response[T]{Success: true, Data: data})
}

// writeError logs err and translates it into the error envelope.
func writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	GetLogger(ctx).ErrorCtx(ctx, "API request failed", err)

	info := &pkgapi.ErrorInfo{
		Code:      apperrors.ErrCodeInternal,
		Message:   "An internal server error occurred",
		RequestID: applogger.GetRequestID(ctx),
	}
	status := http.StatusInternalServerError

	if domainErr, ok := apperrors.AsDomainError(err); ok {
		status = statusFor(domainErr.Code())
		info.Code = domainErr.Code()
		info.Retryable = domainErr.Retryable()
		info.Metadata = domainErr.Metadata()
		if status != http.StatusInternalServerError {
			info.Message = err.Error()
		}
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "30")
	}

	c.JSON(status, pkgapi.Response[any]{Success: false, Error: info})
}

// statusFor maps domain error codes to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodePanelUnsupported, apperrors.ErrCodeUnsupportedProtocol:
		return http.StatusBadRequest

	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized

	case apperrors.ErrCodeNodeNotFound, apperrors.ErrCodePanelNotFound, apperrors.ErrCodeOrderNotFound,
		apperrors.ErrCodeTransitNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeNodeState, apperrors.ErrCodePortConflict, apperrors.ErrCodeTaskDuplicate:
		return http.StatusConflict

	case apperrors.ErrCodePanelRejected, apperrors.ErrCodeTransitFailed:
		return http.StatusBadGateway

	case apperrors.ErrCodePanelUnreachable, apperrors.ErrCodeCircuitOpen, apperrors.ErrCodeNoAlternatePanel,
		apperrors.ErrCodePortsExhausted, apperrors.ErrCodeTimeout:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// splitErrors flattens a joined error into its messages.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		msgs := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
