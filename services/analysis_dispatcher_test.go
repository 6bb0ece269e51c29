package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCompletesAndNotifies(t *testing.T) {
	h := newHarness(t, staticAnalyzer("Rice bowl", rice))
	meal := seedMeal(t, h.store, "u1", "m1")
	conn := &fakeConn{}
	h.hub.Register("u1", conn)

	h.dispatcher.Dispatch(MealContext{Meal: *meal})
	h.dispatcher.Wait()

	evs := conn.events(t)
	require.Len(t, evs, 1)
	data := completeData(t, evs[0])
	assert.Equal(t, "m1", data.MealID)
	assert.Equal(t, "Rice bowl", data.MealName)
	assert.Equal(t, []models.Ingredient{rice}, data.Ingredients)

	latest, err := h.store.GetLatestAnalysis(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, latest.CreatedAt.Equal(data.Timestamp))
	assert.Equal(t, 0, h.dispatcher.InFlight("m1"))
}

func TestDispatchPersistsBeforeNotify(t *testing.T) {
	h := newHarness(t, staticAnalyzer("Rice bowl", rice))
	meal := seedMeal(t, h.store, "u1", "m1")

	var seen *models.Analysis
	conn := &fakeConn{onSend: func([]byte) {
		a, err := h.store.GetLatestAnalysis(context.Background(), "m1")
		if assert.NoError(t, err) {
			seen = a
		}
	}}
	h.hub.Register("u1", conn)

	h.dispatcher.Dispatch(MealContext{Meal: *meal})
	h.dispatcher.Wait()

	require.NotNil(t, seen, "analysis must be readable when the event is sent")
	assert.Equal(t, "Rice bowl", seen.DisplayName)
}

func TestDispatchAnalyzerFailure(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(context.Context, AnalysisRequest) (*AnalysisOutput, error) {
		return nil, &AnalyzerError{Reason: "no food detected in image"}
	}}
	h := newHarness(t, analyzer)
	meal := seedMeal(t, h.store, "u1", "m1")
	conn := &fakeConn{}
	h.hub.Register("u1", conn)

	h.dispatcher.Dispatch(MealContext{Meal: *meal})
	h.dispatcher.Wait()

	evs := conn.events(t)
	require.Len(t, evs, 1)
	data := failedData(t, evs[0])
	assert.Equal(t, "m1", data.MealID)
	assert.Equal(t, "no food detected in image", data.Reason)

	_, err := h.store.GetLatestAnalysis(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFound, "failures are not persisted")
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(context.Context, AnalysisRequest) (*AnalysisOutput, error) {
		panic("boom")
	}}
	h := newHarness(t, analyzer)
	meal := seedMeal(t, h.store, "u1", "m1")
	conn := &fakeConn{}
	h.hub.Register("u1", conn)

	h.dispatcher.Dispatch(MealContext{Meal: *meal})
	h.dispatcher.Wait()

	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "an unexpected error occurred during analysis", failedData(t, evs[0]).Reason)
	assert.Equal(t, 0, h.dispatcher.InFlight("m1"))
}

func TestDispatchTimeoutReason(t *testing.T) {
	analyzer := &fakeAnalyzer{fn: func(ctx context.Context, _ AnalysisRequest) (*AnalysisOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store := newTestStore(t)
	hub := NewRealtimeHub()
	d := NewAnalysisDispatcher(store, nil, analyzer, NewNotifier(hub), DispatcherOptions{
		JobTimeout:    50 * time.Millisecond,
		NotifyTimeout: time.Second,
	})
	meal := seedMeal(t, store, "u1", "m1")
	conn := &fakeConn{}
	hub.Register("u1", conn)

	d.Dispatch(MealContext{Meal: *meal})
	d.Wait()

	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "the analysis timed out", failedData(t, evs[0]).Reason)
}

func TestDispatchDropsResultOfDeletedMeal(t *testing.T) {
	release := make(chan struct{})
	analyzer := &fakeAnalyzer{fn: func(context.Context, AnalysisRequest) (*AnalysisOutput, error) {
		<-release
		return &AnalysisOutput{Name: "Rice bowl", Ingredients: []models.Ingredient{rice}}, nil
	}}
	h := newHarness(t, analyzer)
	meal := seedMeal(t, h.store, "u1", "m1")
	conn := &fakeConn{}
	h.hub.Register("u1", conn)

	h.dispatcher.Dispatch(MealContext{Meal: *meal})
	require.NoError(t, h.store.DeleteMeal(context.Background(), "m1"))
	close(release)
	h.dispatcher.Wait()

	assert.Empty(t, conn.events(t), "no event for a deleted meal")
	_, err := h.store.GetLatestAnalysis(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingSaveStore struct {
	MealStore
}

func (failingSaveStore) SaveAnalysis(context.Context, *models.Analysis) error {
	return &StoreError{Op: "save analysis", Err: errors.New("disk full")}
}

func TestDispatchStoreFailureNotifiesFailure(t *testing.T) {
	store := newTestStore(t)
	hub := NewRealtimeHub()
	d := NewAnalysisDispatcher(failingSaveStore{store}, nil, staticAnalyzer("Rice bowl", rice), NewNotifier(hub), DispatcherOptions{})
	meal := seedMeal(t, store, "u1", "m1")
	conn := &fakeConn{}
	hub.Register("u1", conn)

	d.Dispatch(MealContext{Meal: *meal})
	d.Wait()

	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "the analysis result could not be saved", failedData(t, evs[0]).Reason)
}

func TestDispatchImageUnavailable(t *testing.T) {
	analyzer := staticAnalyzer("Rice bowl", rice)
	h := newHarness(t, analyzer)
	meal := seedMeal(t, h.store, "u1", "m1")
	conn := &fakeConn{}
	h.hub.Register("u1", conn)

	mc := MealContext{Meal: *meal}
	mc.Meal.Image = nil
	h.dispatcher.Dispatch(mc)
	h.dispatcher.Wait()

	assert.Empty(t, analyzer.requests())
	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "the meal image could not be loaded", failedData(t, evs[0]).Reason)
}

func TestConcurrentJobsLatestIsLastFinished(t *testing.T) {
	gates := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	analyzer := &fakeAnalyzer{fn: func(_ context.Context, req AnalysisRequest) (*AnalysisOutput, error) {
		<-gates[req.Feedback.Text]
		return &AnalysisOutput{Name: req.Feedback.Text, Ingredients: []models.Ingredient{rice}}, nil
	}}
	h := newHarness(t, analyzer)
	meal := seedMeal(t, h.store, "u1", "m1")
	conn := &fakeConn{}
	h.hub.Register("u1", conn)

	withFeedback := func(text string) MealContext {
		return MealContext{Meal: *meal, FeedbackHistory: []models.Feedback{{MealID: "m1", Text: text}}}
	}
	h.dispatcher.Dispatch(withFeedback("first"))
	h.dispatcher.Dispatch(withFeedback("second"))
	assert.Equal(t, 2, h.dispatcher.InFlight("m1"))

	close(gates["second"])
	require.Eventually(t, func() bool {
		return conn.sendAttempts() == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(gates["first"])
	h.dispatcher.Wait()

	latest, err := h.store.GetLatestAnalysis(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "first", latest.DisplayName, "the job that finished last wins")

	evs := conn.events(t)
	require.Len(t, evs, 2)
	second, first := completeData(t, evs[0]), completeData(t, evs[1])
	assert.Equal(t, "second", second.MealName)
	assert.Equal(t, "first", first.MealName)
	assert.True(t, first.Timestamp.After(second.Timestamp))
	assert.Equal(t, 0, h.dispatcher.InFlight("m1"))
}

type recordingPusher struct {
	mu    sync.Mutex
	users []string
	data  []map[string]string
}

func (p *recordingPusher) PushToUser(_ context.Context, userID, _, _ string, data map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	p.data = append(p.data, data)
}

func TestDispatchPushesWhenUserOffline(t *testing.T) {
	store := newTestStore(t)
	hub := NewRealtimeHub()
	pusher := &recordingPusher{}
	d := NewAnalysisDispatcher(store, nil, staticAnalyzer("Rice bowl", rice), NewNotifier(hub), DispatcherOptions{Pusher: pusher})
	offline := seedMeal(t, store, "u1", "m1")
	online := seedMeal(t, store, "u2", "m2")
	hub.Register("u2", &fakeConn{})

	d.Dispatch(MealContext{Meal: *offline})
	d.Dispatch(MealContext{Meal: *online})
	d.Wait()

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	assert.Equal(t, []string{"u1"}, pusher.users)
	assert.Equal(t, "m1", pusher.data[0]["meal_id"])
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "bad photo", failureReason(&AnalyzerError{Reason: "bad photo"}))
	assert.Equal(t, "the analysis timed out", failureReason(context.DeadlineExceeded))
	assert.Equal(t, "the analysis failed", failureReason(errors.New("secret upstream detail")))
}
