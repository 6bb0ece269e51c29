package services

import (
	"context"
	"errors"

	"github.com/lfglabs-dev/api.calorily.com/models"
)

// MealContext is what one analysis run sees: the meal, its latest result if
// any and its feedback history, oldest first. It reflects the store at the
// moment it was assembled.
type MealContext struct {
	Meal            models.Meal
	LatestAnalysis  *models.Analysis
	FeedbackHistory []models.Feedback
}

func (mc MealContext) LatestFeedback() *models.Feedback {
	if len(mc.FeedbackHistory) == 0 {
		return nil
	}
	return &mc.FeedbackHistory[len(mc.FeedbackHistory)-1]
}

// loadMealContext reads the latest analysis and feedback of meal.
func loadMealContext(ctx context.Context, store MealStore, meal *models.Meal) (MealContext, error) {
	mc := MealContext{Meal: *meal}

	latest, err := store.GetLatestAnalysis(ctx, meal.ID)
	switch {
	case err == nil:
		mc.LatestAnalysis = latest
	case !errors.Is(err, ErrNotFound):
		return mc, err
	}

	history, err := store.GetFeedbackHistory(ctx, meal.ID)
	if err != nil {
		return mc, err
	}
	mc.FeedbackHistory = history
	return mc, nil
}
