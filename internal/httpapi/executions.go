package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListExecutions(c *gin.Context) {
	ruleID := c.Query("automationId")
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	executions, err := s.store.ListExecutions(ruleID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.store.GetExecution(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if exec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleExecutionStats(c *gin.Context) {
	stats, err := s.store.ExecutionStats(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
