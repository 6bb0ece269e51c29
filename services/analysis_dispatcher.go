package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/metrics"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/lfglabs-dev/api.calorily.com/utils"
	"github.com/rs/zerolog"
)

// Dispatcher starts analysis jobs without waiting for them.
type Dispatcher interface {
	Dispatch(mc MealContext)
}

// OfflinePusher is told about completed analyses nobody was connected for.
type OfflinePusher interface {
	PushToUser(ctx context.Context, userID, title, body string, data map[string]string)
}

type DispatcherOptions struct {
	JobTimeout    time.Duration
	NotifyTimeout time.Duration
	Pusher        OfflinePusher
	Clock         *utils.Clock
}

// AnalysisDispatcher runs one detached job per Dispatch call. Two jobs for
// the same meal may overlap; neither is cancelled and each writes its own
// result when its analyzer call returns. Results carry a server timestamp
// from a monotonic clock, so the latest one is whichever finished last.
type AnalysisDispatcher struct {
	store    MealStore
	images   ImageStore
	analyzer Analyzer
	notifier EventNotifier
	pusher   OfflinePusher
	clock    *utils.Clock

	jobTimeout    time.Duration
	notifyTimeout time.Duration

	mu    sync.Mutex
	slots map[string]int // in-flight jobs per meal id

	wg  sync.WaitGroup
	log zerolog.Logger
}

func NewAnalysisDispatcher(store MealStore, images ImageStore, analyzer Analyzer, notifier EventNotifier, opts DispatcherOptions) *AnalysisDispatcher {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 3 * time.Minute
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = utils.NewClock()
	}
	if images == nil {
		images = InlineImageStore{}
	}
	return &AnalysisDispatcher{
		store:         store,
		images:        images,
		analyzer:      analyzer,
		notifier:      notifier,
		pusher:        opts.Pusher,
		clock:         opts.Clock,
		jobTimeout:    opts.JobTimeout,
		notifyTimeout: opts.NotifyTimeout,
		slots:         make(map[string]int),
		log:           logger.WithComponent("dispatcher"),
	}
}

func (d *AnalysisDispatcher) Dispatch(mc MealContext) {
	mealID := mc.Meal.ID
	if n := d.acquire(mealID); n > 1 {
		d.log.Debug().Str("meal_id", mealID).Int("in_flight", n).Msg("analysis already running, both will complete")
	}

	d.wg.Add(1)
	metrics.AnalysisJobsStarted.Inc()
	metrics.AnalysisJobsInFlight.Inc()

	go func() {
		defer d.wg.Done()
		defer metrics.AnalysisJobsInFlight.Dec()
		defer d.release(mealID)
		d.run(mc)
	}()
}

// InFlight returns the number of running jobs for the meal.
func (d *AnalysisDispatcher) InFlight(mealID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots[mealID]
}

// Wait blocks until every dispatched job has ended.
func (d *AnalysisDispatcher) Wait() {
	d.wg.Wait()
}

func (d *AnalysisDispatcher) acquire(mealID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots[mealID]++
	return d.slots[mealID]
}

func (d *AnalysisDispatcher) release(mealID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slots[mealID] <= 1 {
		delete(d.slots, mealID)
		return
	}
	d.slots[mealID]--
}

// run is the job's error boundary: every way out either notifies the user
// or logs why it could not.
func (d *AnalysisDispatcher) run(mc MealContext) {
	log := logger.WithUserID(logger.WithMealID(d.log, mc.Meal.ID), mc.Meal.UserID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AnalysisDuration)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("analysis job panicked")
			d.fail(mc, "an unexpected error occurred during analysis", log)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()

	image := mc.Meal.Image
	if len(image) == 0 {
		var err error
		if image, err = d.images.Get(ctx, &mc.Meal); err != nil {
			log.Error().Err(err).Msg("failed to load meal image")
			d.fail(mc, "the meal image could not be loaded", log)
			return
		}
	}

	out, err := d.analyzer.Analyze(ctx, AnalysisRequest{
		MealID:      mc.Meal.ID,
		Image:       image,
		ContentType: mc.Meal.ContentType,
		Prior:       mc.LatestAnalysis,
		Feedback:    mc.LatestFeedback(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("analysis failed")
		d.fail(mc, failureReason(err), log)
		return
	}

	analysis := &models.Analysis{
		MealID:      mc.Meal.ID,
		DisplayName: out.Name,
		Ingredients: out.Ingredients,
		CreatedAt:   d.clock.Now(),
	}

	saveCtx, cancelSave := context.WithTimeout(context.Background(), d.notifyTimeout)
	err = d.store.SaveAnalysis(saveCtx, analysis)
	cancelSave()
	if errors.Is(err, ErrNotFound) {
		log.Info().Msg("meal deleted during analysis, dropping result")
		metrics.AnalysisJobsFinished.WithLabelValues("dropped").Inc()
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to persist analysis")
		d.fail(mc, "the analysis result could not be saved", log)
		return
	}

	// the result is durable from here on; a client that gets the push and
	// immediately reads it back will find it
	notifyCtx, cancelNotify := context.WithTimeout(context.Background(), d.notifyTimeout)
	defer cancelNotify()
	delivered := d.notifier.Notify(notifyCtx, mc.Meal.UserID, AnalysisCompleteEvent(analysis))
	if delivered == 0 && d.pusher != nil {
		d.pusher.PushToUser(notifyCtx, mc.Meal.UserID, "Meal analyzed", analysis.DisplayName, map[string]string{
			"type":    string(EventAnalysisComplete),
			"meal_id": mc.Meal.ID,
		})
	}

	metrics.AnalysisJobsFinished.WithLabelValues("completed").Inc()
	log.Info().
		Str("meal_name", analysis.DisplayName).
		Int("ingredients", len(analysis.Ingredients)).
		Int("delivered", delivered).
		Msg("analysis completed")
}

func (d *AnalysisDispatcher) fail(mc MealContext, reason string, log zerolog.Logger) {
	metrics.AnalysisJobsFinished.WithLabelValues("failed").Inc()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("failure notification panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.notifyTimeout)
	defer cancel()
	if n := d.notifier.Notify(ctx, mc.Meal.UserID, AnalysisFailedEvent(mc.Meal.ID, reason)); n == 0 {
		log.Debug().Str("reason", reason).Msg("failure not delivered, user offline")
	}
}

func failureReason(err error) string {
	var aerr *AnalyzerError
	if errors.As(err, &aerr) && aerr.Reason != "" {
		return aerr.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the analysis timed out"
	}
	return "the analysis failed"
}
