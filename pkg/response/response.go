package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptcraft/billing/pkg/errs"
)

// ErrorBody is the envelope for every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK writes data as the response body.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Error maps err onto the taxonomy in pkg/errs and aborts the request.
// Errors outside the taxonomy become 500 internal_error without leaking
// their text.
func Error(c *gin.Context, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.ErrInternal
	}
	Fail(c, errs.HTTPStatus(e.Kind), e.Code, e.Message)
}

func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Code: code, Message: message})
}

// Ack is the body returned to the provider for webhook deliveries.
type Ack struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored,omitempty"`
	Status  string `json:"status,omitempty"`
}
