package services

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/rs/zerolog"
)

// LabelDetector is the part of the Rekognition client FoodGate uses.
type LabelDetector interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

var foodLabels = map[string]bool{
	"food": true, "meal": true, "dish": true, "dinner": true, "lunch": true,
	"breakfast": true, "dessert": true, "drink": true, "beverage": true,
	"fruit": true, "vegetable": true, "produce": true, "bread": true,
	"snack": true,
}

// FoodGate rejects photos Rekognition does not recognize as food before
// paying for a vision call. Rekognition errors let the photo through.
type FoodGate struct {
	detector      LabelDetector
	next          Analyzer
	minConfidence float32
	log           zerolog.Logger
}

func NewFoodGate(detector LabelDetector, next Analyzer) *FoodGate {
	return &FoodGate{
		detector:      detector,
		next:          next,
		minConfidence: 60,
		log:           logger.WithComponent("food_gate"),
	}
}

func (g *FoodGate) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisOutput, error) {
	out, err := g.detector.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &types.Image{Bytes: req.Image},
		MaxLabels:     aws.Int32(25),
		MinConfidence: aws.Float32(g.minConfidence),
	})
	if err != nil {
		g.log.Warn().Err(err).Str("meal_id", req.MealID).Msg("label detection failed, skipping gate")
		return g.next.Analyze(ctx, req)
	}

	if !containsFood(out.Labels) {
		return nil, &AnalyzerError{Reason: "no food detected in image"}
	}
	return g.next.Analyze(ctx, req)
}

func containsFood(labels []types.Label) bool {
	for _, l := range labels {
		if foodLabels[strings.ToLower(aws.ToString(l.Name))] {
			return true
		}
		for _, p := range l.Parents {
			if foodLabels[strings.ToLower(aws.ToString(p.Name))] {
				return true
			}
		}
	}
	return false
}
