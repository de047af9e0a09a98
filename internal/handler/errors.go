package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/habbes/sandstorm/internal/service"
)

// writeError maps core error kinds onto REST status codes: NotFound → 404,
// everything else that reaches here → 500 with the diagnostic detail.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, service.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
