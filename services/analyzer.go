package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lfglabs-dev/api.calorily.com/models"
)

// AnalysisRequest carries what the vision model needs for one run. Prior
// and Feedback are set on re-analysis.
type AnalysisRequest struct {
	MealID      string
	Image       []byte
	ContentType string
	Prior       *models.Analysis
	Feedback    *models.Feedback
}

type AnalysisOutput struct {
	Name        string
	Ingredients []models.Ingredient
}

// Analyzer turns a meal photo into a nutritional breakdown. Failures are
// returned as *AnalyzerError; network retries are the analyzer's concern.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisOutput, error)
}

var (
	lineComment = regexp.MustCompile(`//.*`)
	leadingNum  = regexp.MustCompile(`-?\d+(\.\d+)?`)
)

// cleanJSON strips // comments and keeps the outermost {...} of a model reply.
func cleanJSON(reply string) string {
	cleaned := lineComment.ReplaceAllString(reply, "")
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(cleaned[start : end+1])
}

// looseFloat accepts numbers, numeric strings ("12.5 g") and null.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		m := leadingNum.FindString(s)
		if m == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return err
		}
		*f = looseFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = looseFloat(v)
	return nil
}

type replyBody struct {
	Name        string `json:"name"`
	Error       string `json:"error"`
	Ingredients []struct {
		Name     string     `json:"name"`
		Amount   looseFloat `json:"amount"`
		Carbs    looseFloat `json:"carbs"`
		Proteins looseFloat `json:"proteins"`
		Fats     looseFloat `json:"fats"`
	} `json:"ingredients"`
}

// ParseAnalysisReply validates a model reply and converts it to an output.
func ParseAnalysisReply(reply string) (*AnalysisOutput, error) {
	body := cleanJSON(reply)
	if body == "" {
		return nil, &AnalyzerError{Reason: "the analysis did not return a readable result"}
	}

	var rb replyBody
	if err := json.Unmarshal([]byte(body), &rb); err != nil {
		return nil, &AnalyzerError{Reason: "the analysis did not return a readable result", Err: err}
	}
	if rb.Error != "" {
		return nil, &AnalyzerError{Reason: rb.Error}
	}

	out := &AnalysisOutput{Name: strings.TrimSpace(rb.Name)}
	for _, in := range rb.Ingredients {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			continue
		}
		out.Ingredients = append(out.Ingredients, models.Ingredient{
			Name:     name,
			Amount:   float64(in.Amount),
			Carbs:    float64(in.Carbs),
			Proteins: float64(in.Proteins),
			Fats:     float64(in.Fats),
		})
	}

	if out.Name == "" {
		return nil, &AnalyzerError{Reason: "the analysis returned no meal name"}
	}
	if len(out.Ingredients) == 0 {
		return nil, &AnalyzerError{Reason: "no ingredients could be identified"}
	}
	return out, nil
}

// priorSummary renders a previous result the way the model produced it.
func priorSummary(a *models.Analysis) string {
	if a == nil {
		return "{}"
	}
	prior := struct {
		Name        string              `json:"name"`
		Ingredients []models.Ingredient `json:"ingredients"`
	}{a.DisplayName, a.Ingredients}
	raw, err := json.Marshal(prior)
	if err != nil {
		return fmt.Sprintf("%+v", prior)
	}
	return string(raw)
}
