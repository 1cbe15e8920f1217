package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/apperror"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/config"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

func (s *Server) handleListAutomations(c *gin.Context) {
	rules, err := s.store.ListRules()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automations": rules})
}

func (s *Server) handleGetAutomation(c *gin.Context) {
	rule, err := s.store.GetRule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if rule == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleCreateAutomation(c *gin.Context) {
	var doc config.RuleDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := doc.ToModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.PutRule(rule); err != nil {
		respondError(c, err)
		return
	}
	if rule.Enabled {
		if err := s.triggers.StartOne(c.Request.Context(), rule); err != nil {
			s.logger.Warn("starting trigger for new automation", "rule", rule.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleUpdateAutomation(c *gin.Context) {
	id := c.Param("id")
	existing, err := s.store.GetRule(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
		return
	}

	var doc config.RuleDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc.ID = id
	rule, err := doc.ToModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.CreatedAt = existing.CreatedAt

	if err := s.store.PutRule(rule); err != nil {
		respondError(c, err)
		return
	}
	if err := s.triggers.Reload(c.Request.Context(), rule); err != nil {
		s.logger.Warn("reloading trigger after update", "rule", rule.ID, "error", err)
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteAutomation(c *gin.Context) {
	id := c.Param("id")
	s.triggers.StopOne(id)
	if err := s.store.DeleteRule(id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEnable(c *gin.Context) {
	s.setEnabled(c, true)
}

func (s *Server) handleDisable(c *gin.Context) {
	s.setEnabled(c, false)
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")
	rule, err := s.store.GetRule(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if rule == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
		return
	}
	rule.Enabled = enabled
	if err := s.store.PutRule(rule); err != nil {
		respondError(c, err)
		return
	}
	if enabled {
		if err := s.triggers.StartOne(c.Request.Context(), rule); err != nil {
			s.logger.Warn("starting trigger after enable", "rule", rule.ID, "error", err)
		}
	} else {
		s.triggers.StopOne(id)
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleExecute(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Parameters map[string]any `json:"parameters"`
	}
	_ = c.ShouldBindJSON(&body)

	exec, err := s.exec.TriggerManually(c.Request.Context(), id, body.Parameters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleTest(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Event model.TriggerEvent `json:"event"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Event.Timestamp.IsZero() {
		body.Event.Type = model.TriggerManual
	}

	exec, err := s.exec.Test(c.Request.Context(), id, body.Event)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func respondError(c *gin.Context, err error) {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": ae.Error(), "category": ae.Category})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
