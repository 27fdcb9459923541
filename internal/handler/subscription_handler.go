package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/service"
)

type SubscriptionHandler struct {
	subscriptions *service.SubscriptionService
	logger        *zap.Logger
}

func NewSubscriptionHandler(subscriptions *service.SubscriptionService, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions, logger: logger}
}

// Get handles GET /api/v1/subscriptions/:id
func (h *SubscriptionHandler) Get(c *gin.Context) {
	sub, err := h.subscriptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Pause handles POST /api/v1/subscriptions/:id/pause
func (h *SubscriptionHandler) Pause(c *gin.Context) {
	var req struct {
		Days int `json:"days" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subscriptions.Pause(c.Request.Context(), c.Param("id"), req.Days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Resume handles POST /api/v1/subscriptions/:id/resume
func (h *SubscriptionHandler) Resume(c *gin.Context) {
	sub, err := h.subscriptions.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Cancel handles POST /api/v1/subscriptions/:id/cancel
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	var req struct {
		Reason    string `json:"reason"`
		Actor     string `json:"actor"`
		Immediate bool   `json:"immediate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subscriptions.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.Actor, req.Immediate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Enroll handles POST /api/v1/subscriptions/:id/courses
func (h *SubscriptionHandler) Enroll(c *gin.Context) {
	var req struct {
		CourseID string `json:"course_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subscriptions.EnrollInCourse(c.Request.Context(), c.Param("id"), req.CourseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Progress handles POST /api/v1/subscriptions/:id/courses/:courseId/progress
func (h *SubscriptionHandler) Progress(c *gin.Context) {
	var req struct {
		Progress int `json:"progress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subscriptions.RecordCourseProgress(c.Request.Context(), c.Param("id"), c.Param("courseId"), req.Progress)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Health handles GET /api/v1/subscriptions/:id/health
func (h *SubscriptionHandler) Health(c *gin.Context) {
	health, err := h.subscriptions.Health(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}
