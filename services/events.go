package services

import (
	"time"

	"github.com/lfglabs-dev/api.calorily.com/models"
)

type EventType string

const (
	EventAnalysisComplete EventType = "analysis_complete"
	EventAnalysisFailed   EventType = "analysis_failed"
)

// Event is the envelope of every message pushed over a live connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type AnalysisCompleteData struct {
	MealID      string              `json:"meal_id"`
	MealName    string              `json:"meal_name"`
	Ingredients []models.Ingredient `json:"ingredients"`
	Timestamp   time.Time           `json:"timestamp"`
}

type AnalysisFailedData struct {
	MealID string `json:"meal_id"`
	Reason string `json:"reason"`
}

func AnalysisCompleteEvent(a *models.Analysis) Event {
	return Event{
		Type: EventAnalysisComplete,
		Data: AnalysisCompleteData{
			MealID:      a.MealID,
			MealName:    a.DisplayName,
			Ingredients: a.Ingredients,
			Timestamp:   a.CreatedAt,
		},
	}
}

func AnalysisFailedEvent(mealID, reason string) Event {
	return Event{
		Type: EventAnalysisFailed,
		Data: AnalysisFailedData{MealID: mealID, Reason: reason},
	}
}
