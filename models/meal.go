package models

import "time"

// Meal is a submitted food photo. It never changes after creation; only
// deletion removes it, together with its analyses and feedback.
type Meal struct {
	ID          string    `gorm:"primaryKey;size:64" json:"meal_id"`
	UserID      string    `gorm:"index;size:255;not null" json:"user_id"`
	Image       []byte    `json:"-"`
	ImageKey    string    `gorm:"size:512" json:"-"` // S3 object key when the image lives outside the DB
	ContentType string    `gorm:"size:64" json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`

	Analyses []Analysis `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Feedback []Feedback `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Analysis is one nutritional breakdown of a meal. Each run appends a new
// row; the latest is the one with the greatest (CreatedAt, ID).
type Analysis struct {
	ID          uint         `gorm:"primaryKey" json:"-"`
	MealID      string       `gorm:"size:64;not null;index:idx_analyses_meal_created,priority:1" json:"meal_id"`
	DisplayName string       `gorm:"size:255" json:"meal_name"`
	Ingredients []Ingredient `gorm:"serializer:json;type:text" json:"ingredients"`
	CreatedAt   time.Time    `gorm:"index:idx_analyses_meal_created,priority:2" json:"timestamp"`
}

// TotalCalories sums the energy of all ingredients.
func (a *Analysis) TotalCalories() float64 {
	var kcal float64
	for _, in := range a.Ingredients {
		kcal += in.Calories()
	}
	return kcal
}

// Ingredient amounts and macros are in grams.
type Ingredient struct {
	Name     string  `json:"name"`
	Amount   float64 `json:"amount"`
	Carbs    float64 `json:"carbs"`
	Proteins float64 `json:"proteins"`
	Fats     float64 `json:"fats"`
}

// Calories uses the 4/4/9 Atwater factors.
func (i Ingredient) Calories() float64 {
	return i.Carbs*4 + i.Proteins*4 + i.Fats*9
}

// Feedback is a free-text correction a user attached to a meal.
type Feedback struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MealID    string    `gorm:"size:64;not null;index" json:"meal_id"`
	Text      string    `gorm:"type:text;not null" json:"feedback"`
	CreatedAt time.Time `json:"timestamp"`
}
