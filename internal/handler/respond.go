package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
)

// respondError maps the error taxonomy onto transport status codes. The
// core never sees HTTP; this is the only place codes are chosen.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsConflict(err):
		status = http.StatusConflict
	case errs.IsSecurity(err):
		status = http.StatusForbidden
	case errs.IsRateLimit(err):
		status = http.StatusTooManyRequests
	case errs.IsRetryable(err):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
