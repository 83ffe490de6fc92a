package middleware

import (
	"errors"
	"net/http"

	"relieffund-core/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error translates errors attached to the gin context into JSON responses.
// Domain errors carry a CoreStatus; anything else surfaces as a generic
// retryable internal failure.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": "internal error, please retry",
			},
		})
	}
}
