package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lfglabs-dev/api.calorily.com/middlewares"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/lfglabs-dev/api.calorily.com/services"
)

// respondError maps service errors to status codes. Internal causes are
// attached to the gin context for the request logger, never returned.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidArgument):
		msg := strings.TrimPrefix(err.Error(), services.ErrInvalidArgument.Error()+": ")
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "meal not found"})
	case errors.Is(err, services.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "meal_id already exists"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(middlewares.UserIDKey)
}

type analysisResponse struct {
	MealID        string              `json:"meal_id"`
	MealName      string              `json:"meal_name"`
	Ingredients   []models.Ingredient `json:"ingredients"`
	TotalCalories float64             `json:"total_calories"`
	Timestamp     time.Time           `json:"timestamp"`
}

func toAnalysisResponse(a models.Analysis) analysisResponse {
	ingredients := a.Ingredients
	if ingredients == nil {
		ingredients = []models.Ingredient{}
	}
	return analysisResponse{
		MealID:        a.MealID,
		MealName:      a.DisplayName,
		Ingredients:   ingredients,
		TotalCalories: a.TotalCalories(),
		Timestamp:     a.CreatedAt,
	}
}
