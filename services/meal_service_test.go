package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMealGeneratesID(t *testing.T) {
	store := newTestStore(t)
	d := &recordingDispatcher{}
	svc := NewMealService(store, nil, d, nil)

	id, err := svc.CreateMeal(context.Background(), "u1", []byte("jpeg-bytes"), "image/jpeg", "")
	require.NoError(t, err)
	assert.Len(t, id, 36)

	meal, err := store.GetMeal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "u1", meal.UserID)
	assert.Equal(t, []byte("jpeg-bytes"), meal.Image)

	jobs := d.dispatched()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].Meal.ID)
	assert.Equal(t, []byte("jpeg-bytes"), jobs[0].Meal.Image)
	assert.Nil(t, jobs[0].LatestAnalysis)
	assert.Empty(t, jobs[0].FeedbackHistory)
}

func TestCreateMealValidation(t *testing.T) {
	store := newTestStore(t)
	d := &recordingDispatcher{}
	svc := NewMealService(store, nil, d, nil)
	seedMeal(t, store, "u1", "taken")

	tests := []struct {
		name    string
		image   []byte
		mealID  string
		wantErr error
	}{
		{"empty image", nil, "m1", ErrInvalidArgument},
		{"bad id", []byte("x"), "has space", ErrInvalidArgument},
		{"id too long", []byte("x"), string(bytes.Repeat([]byte("a"), 65)), ErrInvalidArgument},
		{"duplicate id", []byte("x"), "taken", ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateMeal(context.Background(), "u1", tt.image, "image/jpeg", tt.mealID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, d.dispatched())
}

func TestMealOwnership(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := NewMealService(store, nil, &recordingDispatcher{}, nil)
	seedMeal(t, store, "u1", "m1")

	_, err := svc.GetMeal(ctx, "u2", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = svc.GetMealImage(ctx, "u2", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.DeleteMeal(ctx, "u2", "m1"), ErrNotFound)

	data, ct, err := svc.GetMealImage(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
	assert.Equal(t, "image/jpeg", ct)
}

func TestGetLatestAnalysisBeforeAndAfter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := NewMealService(store, nil, &recordingDispatcher{}, nil)
	seedMeal(t, store, "u1", "m1")

	_, err := svc.GetLatestAnalysis(ctx, "u1", "m1")
	assert.ErrorIs(t, err, ErrNotFound)

	saveAnalysis(t, store, "m1", "Rice bowl", svc.clock.Now())
	a, err := svc.GetLatestAnalysis(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "Rice bowl", a.DisplayName)
}

// memS3 is an in-memory stand-in for the bucket.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemS3() *memS3 { return &memS3{objects: map[string][]byte{}} }

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.failPut {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestMealServiceWithS3Images(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	bucket := newMemS3()
	images := NewS3ImageStore(bucket, "calorily", "meals/")
	svc := NewMealService(store, images, &recordingDispatcher{}, nil)

	id, err := svc.CreateMeal(ctx, "u1", []byte("png-bytes"), "image/png", "m1")
	require.NoError(t, err)

	meal, err := store.GetMeal(ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(meal.ImageKey, "meals/u1/m1-"), meal.ImageKey)
	assert.True(t, strings.HasSuffix(meal.ImageKey, ".png"), meal.ImageKey)
	assert.Empty(t, meal.Image, "bytes live in the bucket")

	data, ct, err := svc.GetMealImage(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", ct)

	require.NoError(t, svc.DeleteMeal(ctx, "u1", "m1"))
	assert.Empty(t, bucket.objects)
}

func TestS3ImageStoreReadsLegacyInlineMeals(t *testing.T) {
	store := newTestStore(t)
	meal := seedMeal(t, store, "u1", "m1")
	images := NewS3ImageStore(newMemS3(), "calorily", "")

	data, err := images.Get(context.Background(), meal)

	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
}

func TestCreateMealUploadFailure(t *testing.T) {
	store := newTestStore(t)
	bucket := newMemS3()
	bucket.failPut = true
	d := &recordingDispatcher{}
	svc := NewMealService(store, NewS3ImageStore(bucket, "calorily", ""), d, nil)

	_, err := svc.CreateMeal(context.Background(), "u1", []byte("x"), "image/jpeg", "m1")

	var serr *StoreError
	assert.ErrorAs(t, err, &serr)
	_, err = store.GetMeal(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, d.dispatched())
}

// staleReadStore answers NotFound for the first misses GetMeal calls, as a
// concurrent create that has not committed yet would look.
type staleReadStore struct {
	MealStore
	mu     sync.Mutex
	misses int
}

func (s *staleReadStore) GetMeal(ctx context.Context, mealID string) (*models.Meal, error) {
	s.mu.Lock()
	miss := s.misses > 0
	if miss {
		s.misses--
	}
	s.mu.Unlock()
	if miss {
		return nil, ErrNotFound
	}
	return s.MealStore.GetMeal(ctx, mealID)
}

func TestCreateMealRetryKeepsWinnersImage(t *testing.T) {
	ctx := context.Background()
	store := &staleReadStore{MealStore: newTestStore(t), misses: 2}
	bucket := newMemS3()
	svc := NewMealService(store, NewS3ImageStore(bucket, "calorily", "meals/"), &recordingDispatcher{}, nil)

	_, err := svc.CreateMeal(ctx, "u1", []byte("first-upload"), "image/jpeg", "m1")
	require.NoError(t, err)

	// the retry passes the existence check and only loses at SaveMeal
	_, err = svc.CreateMeal(ctx, "u1", []byte("retry-upload"), "image/jpeg", "m1")
	require.ErrorIs(t, err, ErrConflict)

	data, _, err := svc.GetMealImage(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("first-upload"), data)
	assert.Len(t, bucket.objects, 1, "the losing upload is cleaned up")
}
