package api

import (
	"net/http"
	"time"

	"bonus_ledger/internal/apperr"

	"github.com/gin-gonic/gin"
)

type ErrorDetail struct {
	Timestamp    string `json:"timestamp"`
	Path         string `json:"path"`
	TraceID      string `json:"trace_id,omitempty"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type ErrorResponse struct {
	StatusCode int         `json:"status_code"`
	IsSuccess  bool        `json:"is_success"`
	Error      ErrorDetail `json:"error"`
}

type SuccessResponse[T any] struct {
	StatusCode int  `json:"status_code"`
	IsSuccess  bool `json:"is_success"`
	Data       T    `json:"data,omitempty"`
}

func success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, SuccessResponse[interface{}]{
		StatusCode: statusCode,
		IsSuccess:  true,
		Data:       data,
	})
}

func ok(c *gin.Context, data interface{}) {
	success(c, http.StatusOK, data)
}

func created(c *gin.Context, data interface{}) {
	success(c, http.StatusCreated, data)
}

func errorResponse(c *gin.Context, statusCode int, code, message string) ErrorResponse {
	return ErrorResponse{
		StatusCode: statusCode,
		IsSuccess:  false,
		Error: ErrorDetail{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Path:         c.Request.URL.Path,
			TraceID:      GetTraceID(c),
			ErrorCode:    code,
			ErrorMessage: message,
		},
	}
}

func abort(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, errorResponse(c, statusCode, code, message))
}

// fail maps err onto the error envelope. Unclassified errors are logged by
// the logging middleware and never leak their text.
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := apperr.Message(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "Internal server error"
	}
	c.JSON(status, errorResponse(c, status, apperr.Code(err), message))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse(c, http.StatusBadRequest, "validation_error", err.Error()))
}
