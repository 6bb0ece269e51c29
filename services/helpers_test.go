package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lfglabs-dev/api.calorily.com/config"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/lfglabs-dev/api.calorily.com/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "calorily.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := config.OpenDB(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	return NewGormStore(newTestDB(t))
}

func seedMeal(t *testing.T, store MealStore, userID, mealID string) *models.Meal {
	t.Helper()
	meal := &models.Meal{
		ID:          mealID,
		UserID:      userID,
		Image:       []byte("jpeg-bytes"),
		ContentType: "image/jpeg",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveMeal(context.Background(), meal))
	return meal
}

// fakeConn records pushed payloads. fail makes every Send error out.
type fakeConn struct {
	mu       sync.Mutex
	msgs     [][]byte
	attempts int
	fail     bool
	closed   bool
	onSend   func(payload []byte)
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	c.attempts++
	fail, hook := c.fail, c.onSend
	c.mu.Unlock()

	if fail {
		return errors.New("write: broken pipe")
	}
	if hook != nil {
		hook(payload)
	}

	c.mu.Lock()
	c.msgs = append(c.msgs, append([]byte(nil), payload...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *fakeConn) events(t *testing.T) []wireEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireEvent, 0, len(c.msgs))
	for _, m := range c.msgs {
		var ev wireEvent
		require.NoError(t, json.Unmarshal(m, &ev))
		out = append(out, ev)
	}
	return out
}

func completeData(t *testing.T, ev wireEvent) AnalysisCompleteData {
	t.Helper()
	require.Equal(t, EventAnalysisComplete, ev.Type)
	var d AnalysisCompleteData
	require.NoError(t, json.Unmarshal(ev.Data, &d))
	return d
}

func failedData(t *testing.T, ev wireEvent) AnalysisFailedData {
	t.Helper()
	require.Equal(t, EventAnalysisFailed, ev.Type)
	var d AnalysisFailedData
	require.NoError(t, json.Unmarshal(ev.Data, &d))
	return d
}

// fakeAnalyzer delegates to fn and records every request.
type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []AnalysisRequest
	fn    func(ctx context.Context, req AnalysisRequest) (*AnalysisOutput, error)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisOutput, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	return a.fn(ctx, req)
}

func (a *fakeAnalyzer) requests() []AnalysisRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AnalysisRequest(nil), a.calls...)
}

func staticAnalyzer(name string, ingredients ...models.Ingredient) *fakeAnalyzer {
	return &fakeAnalyzer{fn: func(context.Context, AnalysisRequest) (*AnalysisOutput, error) {
		return &AnalysisOutput{Name: name, Ingredients: ingredients}, nil
	}}
}

// recordingDispatcher captures contexts instead of running jobs.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []MealContext
}

func (d *recordingDispatcher) Dispatch(mc MealContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, mc)
}

func (d *recordingDispatcher) dispatched() []MealContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MealContext(nil), d.jobs...)
}

type harness struct {
	store      *GormStore
	hub        *RealtimeHub
	notifier   *Notifier
	dispatcher *AnalysisDispatcher
	clock      *utils.Clock
}

func newHarness(t *testing.T, analyzer Analyzer) *harness {
	t.Helper()
	store := newTestStore(t)
	hub := NewRealtimeHub()
	notifier := NewNotifier(hub)
	clock := utils.NewClock()
	d := NewAnalysisDispatcher(store, InlineImageStore{}, analyzer, notifier, DispatcherOptions{
		JobTimeout:    5 * time.Second,
		NotifyTimeout: time.Second,
		Clock:         clock,
	})
	t.Cleanup(d.Wait)
	return &harness{store: store, hub: hub, notifier: notifier, dispatcher: d, clock: clock}
}

var rice = models.Ingredient{Name: "rice", Amount: 150, Carbs: 40, Proteins: 3, Fats: 0.5}
