package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lfglabs-dev/api.calorily.com/services"
	"github.com/lfglabs-dev/api.calorily.com/utils"
)

type MealController struct {
	Meals          *services.MealService
	Feedback       *services.FeedbackService
	Sync           *services.SyncService
	MaxUploadBytes int64
}

func NewMealController(meals *services.MealService, feedback *services.FeedbackService, sync *services.SyncService, maxUploadBytes int64) *MealController {
	return &MealController{Meals: meals, Feedback: feedback, Sync: sync, MaxUploadBytes: maxUploadBytes}
}

type submitMealReq struct {
	Image  string `json:"b64_img"`
	MealID string `json:"meal_id"`
}

// POST /meals
func (mc *MealController) SubmitMeal(c *gin.Context) {
	if mc.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, mc.MaxUploadBytes)
	}

	var req submitMealReq
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	image, contentType, err := utils.DecodeBase64Image(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "b64_img must be a base64 encoded image"})
		return
	}

	mealID, err := mc.Meals.CreateMeal(c.Request.Context(), currentUser(c), image, contentType, req.MealID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meal_id": mealID, "status": "processing"})
}

type feedbackReq struct {
	MealID   string `json:"meal_id"`
	Feedback string `json:"feedback"`
}

// POST /meals/feedback
func (mc *MealController) SubmitFeedback(c *gin.Context) {
	var req feedbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if err := mc.Feedback.SubmitFeedback(c.Request.Context(), currentUser(c), req.MealID, req.Feedback); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meal_id": req.MealID, "status": "processing"})
}

// GET /meals/sync?since=RFC3339
func (mc *MealController) SyncAnalyses(c *gin.Context) {
	raw := c.Query("since")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since parameter is required"})
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
		return
	}

	rows, err := mc.Sync.SyncSince(c.Request.Context(), currentUser(c), since)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]analysisResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAnalysisResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"analyses": out})
}

// GET /meals/:id
func (mc *MealController) GetMealAnalysis(c *gin.Context) {
	a, err := mc.Meals.GetLatestAnalysis(c.Request.Context(), currentUser(c), c.Param("id"))
	if errors.Is(err, services.ErrNotFound) {
		// the meal may exist with its first analysis still running
		if _, merr := mc.Meals.GetMeal(c.Request.Context(), currentUser(c), c.Param("id")); merr == nil {
			c.JSON(http.StatusOK, gin.H{"meal_id": c.Param("id"), "status": "processing"})
			return
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAnalysisResponse(*a))
}

// GET /meals/:id/image
func (mc *MealController) GetMealImage(c *gin.Context) {
	data, contentType, err := mc.Meals.GetMealImage(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}

// DELETE /meals/:id
func (mc *MealController) DeleteMeal(c *gin.Context) {
	if err := mc.Meals.DeleteMeal(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
