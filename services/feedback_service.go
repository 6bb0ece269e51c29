package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/lfglabs-dev/api.calorily.com/utils"
	"github.com/rs/zerolog"
)

const maxFeedbackRunes = 2000

// FeedbackService records corrections on a meal and re-runs the analysis
// with the correction as context.
type FeedbackService struct {
	store      MealStore
	dispatcher Dispatcher
	clock      *utils.Clock
	log        zerolog.Logger
}

func NewFeedbackService(store MealStore, dispatcher Dispatcher, clock *utils.Clock) *FeedbackService {
	if clock == nil {
		clock = utils.NewClock()
	}
	return &FeedbackService{
		store:      store,
		dispatcher: dispatcher,
		clock:      clock,
		log:        logger.WithComponent("feedback"),
	}
}

// SubmitFeedback stores the feedback and dispatches a new analysis. It
// returns once the job is started; the outcome arrives as an event.
func (s *FeedbackService) SubmitFeedback(ctx context.Context, userID, mealID, text string) error {
	text = strings.TrimSpace(text)
	if mealID == "" {
		return invalidArgument("meal_id is required")
	}
	if text == "" {
		return invalidArgument("feedback is required")
	}
	if utf8.RuneCountInString(text) > maxFeedbackRunes {
		text = string([]rune(text)[:maxFeedbackRunes])
	}

	meal, err := s.store.GetMeal(ctx, mealID)
	if err != nil {
		return err
	}
	if meal.UserID != userID {
		return ErrNotFound
	}

	fb := &models.Feedback{MealID: mealID, Text: text, CreatedAt: s.clock.Now()}
	if err := s.store.AppendFeedback(ctx, fb); err != nil {
		return err
	}

	// the feedback is stored, so a failed context read still re-runs the
	// analysis with what is known
	mc, err := loadMealContext(ctx, s.store, meal)
	if err != nil {
		s.log.Warn().Err(err).Str("meal_id", mealID).Msg("meal context unavailable, analysing with latest feedback only")
		mc = MealContext{Meal: *meal, FeedbackHistory: []models.Feedback{*fb}}
	} else {
		mc.FeedbackHistory = historyUpTo(mc.FeedbackHistory, *fb)
	}

	s.dispatcher.Dispatch(mc)
	return nil
}

// historyUpTo trims entries that landed after fb, so fb is the latest
// feedback this run sees. Later entries trigger their own run.
func historyUpTo(history []models.Feedback, fb models.Feedback) []models.Feedback {
	for i, h := range history {
		if h.ID == fb.ID {
			return history[:i+1]
		}
	}
	return append(history[:len(history):len(history)], fb)
}
