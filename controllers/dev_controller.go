package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lfglabs-dev/api.calorily.com/services"
)

// DevController replays notifications against a dev server so device
// registration can be checked without waiting on the analyzer.
type DevController struct {
	Push  *services.PushService
	Meals *services.MealService
}

func NewDevController(p *services.PushService, meals *services.MealService) *DevController {
	return &DevController{Push: p, Meals: meals}
}

type replayPushReq struct {
	MealID string `json:"meal_id" binding:"required"`
}

// POST /dev/push resends the completion push of the caller's meal, built
// from its latest analysis.
func (d *DevController) PushTest(c *gin.Context) {
	var req replayPushReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meal_id is required"})
		return
	}

	userID := currentUser(c)
	analysis, err := d.Meals.GetLatestAnalysis(c.Request.Context(), userID, req.MealID)
	if err != nil {
		respondError(c, err)
		return
	}

	d.Push.PushToUser(c.Request.Context(), userID, "Meal analyzed", analysis.DisplayName, map[string]string{
		"type":    string(services.EventAnalysisComplete),
		"meal_id": req.MealID,
	})
	c.JSON(http.StatusOK, gin.H{"meal_id": req.MealID, "meal_name": analysis.DisplayName})
}
