package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lfglabs-dev/api.calorily.com/models"
	"gorm.io/gorm"
)

// MealStore is the durable state behind the analysis pipeline. It is keyed
// by meal id with a secondary lookup by user id.
type MealStore interface {
	SaveMeal(ctx context.Context, meal *models.Meal) error
	GetMeal(ctx context.Context, mealID string) (*models.Meal, error)
	ListMeals(ctx context.Context, userID string) ([]models.Meal, error)
	DeleteMeal(ctx context.Context, mealID string) error

	SaveAnalysis(ctx context.Context, a *models.Analysis) error
	GetLatestAnalysis(ctx context.Context, mealID string) (*models.Analysis, error)
	QueryAnalysesSince(ctx context.Context, mealIDs []string, since time.Time) ([]models.Analysis, error)

	AppendFeedback(ctx context.Context, fb *models.Feedback) error
	GetFeedbackHistory(ctx context.Context, mealID string) ([]models.Feedback, error)
}

// queryChunk bounds the size of IN (...) lists.
const queryChunk = 500

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// latestFirst is the one definition of "latest" shared by every read path.
func latestFirst(db *gorm.DB) *gorm.DB {
	return db.Order("created_at DESC").Order("id DESC")
}

func (s *GormStore) SaveMeal(ctx context.Context, meal *models.Meal) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Meal{}).Where("id = ?", meal.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		return tx.Create(meal).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return &StoreError{Op: "save meal", Err: err}
	}
}

func (s *GormStore) GetMeal(ctx context.Context, mealID string) (*models.Meal, error) {
	var meal models.Meal
	err := s.db.WithContext(ctx).Where("id = ?", mealID).First(&meal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get meal", Err: err}
	}
	return &meal, nil
}

// ListMeals returns the user's meals without their image payloads.
func (s *GormStore) ListMeals(ctx context.Context, userID string) ([]models.Meal, error) {
	var meals []models.Meal
	err := s.db.WithContext(ctx).
		Select("id", "user_id", "image_key", "content_type", "created_at").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&meals).Error
	if err != nil {
		return nil, &StoreError{Op: "list meals", Err: err}
	}
	return meals, nil
}

// DeleteMeal removes the meal and cascades to its analyses and feedback.
func (s *GormStore) DeleteMeal(ctx context.Context, mealID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("meal_id = ?", mealID).Delete(&models.Analysis{}).Error; err != nil {
			return err
		}
		if err := tx.Where("meal_id = ?", mealID).Delete(&models.Feedback{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", mealID).Delete(&models.Meal{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: "delete meal", Err: err}
}

// SaveAnalysis appends a result. It reports ErrNotFound when the meal was
// deleted, which callers treat as a benign outcome.
func (s *GormStore) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Meal{}).Where("id = ?", a.MealID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Create(a).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrForeignKeyViolated):
		return ErrNotFound
	default:
		return &StoreError{Op: "save analysis", Err: err}
	}
}

func (s *GormStore) GetLatestAnalysis(ctx context.Context, mealID string) (*models.Analysis, error) {
	var a models.Analysis
	err := latestFirst(s.db.WithContext(ctx).Where("meal_id = ?", mealID)).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get latest analysis", Err: err}
	}
	return &a, nil
}

// QueryAnalysesSince returns, per meal, the latest analysis strictly newer
// than since. The result holds at most one entry per meal id, newest first.
func (s *GormStore) QueryAnalysesSince(ctx context.Context, mealIDs []string, since time.Time) ([]models.Analysis, error) {
	since = since.UTC()
	latest := make(map[string]models.Analysis, len(mealIDs))

	for start := 0; start < len(mealIDs); start += queryChunk {
		end := min(start+queryChunk, len(mealIDs))

		var rows []models.Analysis
		err := latestFirst(s.db.WithContext(ctx).
			Where("meal_id IN ?", mealIDs[start:end]).
			Where("created_at > ?", since)).
			Find(&rows).Error
		if err != nil {
			return nil, &StoreError{Op: "query analyses since", Err: err}
		}
		for _, a := range rows {
			if !a.CreatedAt.After(since) {
				continue
			}
			if cur, ok := latest[a.MealID]; !ok || newer(a, cur) {
				latest[a.MealID] = a
			}
		}
	}

	out := make([]models.Analysis, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out, nil
}

func newer(a, b models.Analysis) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *GormStore) AppendFeedback(ctx context.Context, fb *models.Feedback) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Meal{}).Where("id = ?", fb.MealID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Create(fb).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrForeignKeyViolated):
		return ErrNotFound
	default:
		return &StoreError{Op: "append feedback", Err: err}
	}
}

// GetFeedbackHistory returns the meal's feedback oldest first.
func (s *GormStore) GetFeedbackHistory(ctx context.Context, mealID string) ([]models.Feedback, error) {
	var history []models.Feedback
	err := s.db.WithContext(ctx).
		Where("meal_id = ?", mealID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&history).Error
	if err != nil {
		return nil, &StoreError{Op: "get feedback history", Err: err}
	}
	return history, nil
}
