package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/gin-gonic/gin"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// respondError answers with the status and code carried by err. Joined
// errors are listed in details.
func respondError(c *gin.Context, err error) {
	code := errcode.Of(err)
	var details any
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		list := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			list = append(list, e.Error())
		}
		details = list
	}
	c.JSON(errcode.HTTPStatus(code), NewErrorResponse(string(code), err.Error(), details))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "Invalid request body", err.Error()))
}

