package models

import "time"

// UserDevice maps a mobile push token to its SNS platform endpoint.
type UserDevice struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"size:255;index;not null" json:"user_id"`
	Platform    string    `gorm:"size:16" json:"platform"` // "android" | "ios"
	TokenHash   string    `gorm:"size:64;index" json:"-"`
	EndpointARN string    `gorm:"size:512" json:"-"`
	Enabled     bool      `gorm:"default:true" json:"enabled"`
	UpdatedAt   time.Time `json:"updated_at"`
}
