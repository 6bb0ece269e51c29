package services

import (
	"context"
	"time"

	"github.com/lfglabs-dev/api.calorily.com/models"
)

// SyncService answers catch-up queries from durable state only, so a client
// that missed pushes can always reconcile by remembering the timestamp of
// the last result it saw.
type SyncService struct {
	store MealStore
}

func NewSyncService(store MealStore) *SyncService {
	return &SyncService{store: store}
}

// SyncSince returns the latest analysis of every meal of the user whose
// timestamp is strictly after since, one entry per meal.
func (s *SyncService) SyncSince(ctx context.Context, userID string, since time.Time) ([]models.Analysis, error) {
	meals, err := s.store.ListMeals(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(meals) == 0 {
		return []models.Analysis{}, nil
	}

	ids := make([]string, len(meals))
	for i, m := range meals {
		ids[i] = m.ID
	}
	return s.store.QueryAnalysesSince(ctx, ids, since)
}
