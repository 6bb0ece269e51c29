package services

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/lfglabs-dev/api.calorily.com/utils"
	"github.com/rs/zerolog"
)

var mealIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type MealService struct {
	store      MealStore
	images     ImageStore
	dispatcher Dispatcher
	clock      *utils.Clock
	log        zerolog.Logger
}

func NewMealService(store MealStore, images ImageStore, dispatcher Dispatcher, clock *utils.Clock) *MealService {
	if images == nil {
		images = InlineImageStore{}
	}
	if clock == nil {
		clock = utils.NewClock()
	}
	return &MealService{
		store:      store,
		images:     images,
		dispatcher: dispatcher,
		clock:      clock,
		log:        logger.WithComponent("meals"),
	}
}

// CreateMeal stores a new meal and starts its first analysis. An empty
// mealID gets a fresh UUID. The returned id is valid as soon as it is
// returned; the analysis result follows asynchronously.
func (s *MealService) CreateMeal(ctx context.Context, userID string, image []byte, contentType, mealID string) (string, error) {
	if userID == "" {
		return "", invalidArgument("user is required")
	}
	if len(image) == 0 {
		return "", invalidArgument("b64_img is required")
	}
	if mealID == "" {
		mealID = uuid.NewString()
	} else if !mealIDPattern.MatchString(mealID) {
		return "", invalidArgument("meal_id must be 1-64 characters of letters, digits, '-' or '_'")
	}

	if _, err := s.store.GetMeal(ctx, mealID); err == nil {
		return "", ErrConflict
	}

	meal := &models.Meal{
		ID:          mealID,
		UserID:      userID,
		ContentType: contentType,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.images.Put(ctx, meal, image); err != nil {
		return "", &StoreError{Op: "store image", Err: err}
	}
	if err := s.store.SaveMeal(ctx, meal); err != nil {
		if meal.ImageKey != "" {
			_ = s.images.Delete(ctx, meal)
		}
		return "", err
	}

	// hand the bytes to the job so it does not read them back
	mc := MealContext{Meal: *meal}
	mc.Meal.Image = image
	s.dispatcher.Dispatch(mc)

	s.log.Info().Str("meal_id", mealID).Str("user_id", userID).Int("bytes", len(image)).Msg("meal created")
	return mealID, nil
}

// GetMeal returns the meal if it belongs to userID.
func (s *MealService) GetMeal(ctx context.Context, userID, mealID string) (*models.Meal, error) {
	meal, err := s.store.GetMeal(ctx, mealID)
	if err != nil {
		return nil, err
	}
	if meal.UserID != userID {
		return nil, ErrNotFound
	}
	return meal, nil
}

// GetLatestAnalysis returns the most recent analysis of the user's meal.
func (s *MealService) GetLatestAnalysis(ctx context.Context, userID, mealID string) (*models.Analysis, error) {
	if _, err := s.GetMeal(ctx, userID, mealID); err != nil {
		return nil, err
	}
	return s.store.GetLatestAnalysis(ctx, mealID)
}

func (s *MealService) GetMealImage(ctx context.Context, userID, mealID string) ([]byte, string, error) {
	meal, err := s.GetMeal(ctx, userID, mealID)
	if err != nil {
		return nil, "", err
	}
	data, err := s.images.Get(ctx, meal)
	if err != nil {
		return nil, "", &StoreError{Op: "load image", Err: err}
	}
	return data, meal.ContentType, nil
}

// DeleteMeal removes the meal with its analyses and feedback. Jobs still
// running for it finish without writing anything.
func (s *MealService) DeleteMeal(ctx context.Context, userID, mealID string) error {
	meal, err := s.GetMeal(ctx, userID, mealID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMeal(ctx, mealID); err != nil {
		return err
	}
	if err := s.images.Delete(ctx, meal); err != nil {
		s.log.Warn().Err(err).Str("meal_id", mealID).Msg("failed to delete meal image")
	}
	return nil
}
