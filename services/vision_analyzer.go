package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const outputFormat = `{"name": "Name of the food (e.g., Pizza)", "ingredients": [{"name": "Name of the ingredient", "amount": Estimated amount of this ingredient in grams (g), "carbs": Float value representing the carbohydrates in grams (g), "proteins": Float value representing the proteins in grams (g), "fats": Float value representing the fats in grams (g)}]}`

const analyzePrompt = `Analyze the food image provided and output your best estimation as a single JSON object in this structured format, don't output the units. When unsure, make up something plausible. Give an estimation of the quantities for the portion shown in the picture only. If impossible, just output the reason in field "error".
` + outputFormat

const improvePrompt = `You already analyzed the food image provided but made a mistake. Output your best estimation as a single JSON object in a structured format, don't output the units. When unsure, make up something plausible.
Previous response:
%s
Remark:
"%s"
Expected format:
` + outputFormat

type VisionConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	MaxTokens         int
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerSecond float64
}

// VisionAnalyzer calls an OpenAI compatible chat completion endpoint with
// the meal photo attached.
type VisionAnalyzer struct {
	client     *openai.Client
	model      string
	maxTokens  int
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	log        zerolog.Logger
}

func NewVisionAnalyzer(cfg VisionConfig) *VisionAnalyzer {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &VisionAnalyzer{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		limiter:    rate.NewLimiter(limit, 1),
		log:        logger.WithComponent("vision"),
	}
}

func (v *VisionAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisOutput, error) {
	chat := v.buildRequest(req)

	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*v.backoff); err != nil {
				return nil, &AnalyzerError{Reason: "the analysis timed out", Err: err}
			}
		}
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, &AnalyzerError{Reason: "the analysis timed out", Err: err}
		}

		resp, err := v.client.CreateChatCompletion(ctx, chat)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, &AnalyzerError{Reason: "the analysis service returned an empty response"}
			}
			return ParseAnalysisReply(resp.Choices[0].Message.Content)
		}

		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		v.log.Warn().Err(err).Str("meal_id", req.MealID).Int("attempt", attempt+1).Msg("vision request failed, retrying")
	}

	if ctx.Err() != nil {
		return nil, &AnalyzerError{Reason: "the analysis timed out", Err: lastErr}
	}
	return nil, &AnalyzerError{Reason: "the analysis service is unavailable", Err: lastErr}
}

func (v *VisionAnalyzer) buildRequest(req AnalysisRequest) openai.ChatCompletionRequest {
	contentType := req.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	prompt := analyzePrompt
	if req.Feedback != nil {
		prompt = fmt.Sprintf(improvePrompt, priorSummary(req.Prior), req.Feedback.Text)
	}

	return openai.ChatCompletionRequest{
		Model:     v.model,
		MaxTokens: v.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailAuto},
					},
				},
			},
		},
	}
}

// retryable reports whether err is worth another attempt: rate limiting,
// server errors and transport failures.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
