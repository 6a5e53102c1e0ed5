package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeConflict      = 409
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeJobNotFound         = 1001
	CodeJobStatusInvalid    = 1002
	CodeBalanceNotEnough    = 1003
	CodeDuplicateRequest    = 1004
	CodeWalletNotFound      = 1005
	CodeModelUnavailable    = 1006
	CodeRefundFailed        = 1007
	CodeReservationNotFound = 1008
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func NotFound(c *gin.Context, code int, message string) {
	c.JSON(http.StatusNotFound, Response{
		Code:    code,
		Message: message,
	})
}

func ServerError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Code:    CodeServerError,
		Message: message,
	})
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
