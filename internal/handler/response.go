package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/service"
)

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// failErr maps service errors to HTTP statuses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrTicketNotFound):
		fail(c, http.StatusNotFound, "ticket not found")
	case errors.Is(err, errs.ErrMediaNotFound):
		fail(c, http.StatusNotFound, "media not found")
	case errors.Is(err, errs.ErrEmptyMessage), errors.Is(err, errs.ErrInvalidStatus), errors.Is(err, errs.ErrEmptyMedia):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrMediaTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt reads a positive integer query value, falling back to def.
func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func pageLimit(c *gin.Context, def int) int {
	if n := queryInt(c, "limit", def); n < service.MaxPageLimit {
		return n
	}
	return service.MaxPageLimit
}
