package model

import "time"

// APIKey represents a client credential issued by the gateway, together with
// its daily quota and the usage counters for the current window.
//
// Active carries no column default: a zero value must be stored as written so
// a record can be created in the deactivated state. The raw credential is
// excluded from serialization; it is shown once at issuance and never again.
type APIKey struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name         string    `gorm:"type:varchar(255);not null" json:"name"`
	Email        string    `gorm:"type:varchar(255)" json:"email"`
	Key          string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"-"`
	DailyQuota   int       `gorm:"default:100;not null" json:"daily_quota"`
	RequestsUsed int       `gorm:"default:0;not null" json:"requests_used"`
	TokensUsed   int64     `gorm:"default:0;not null" json:"tokens_used"`
	WindowStart  time.Time `json:"window_start"`
	Active       bool      `gorm:"not null" json:"active"`
	LastUsedAt   time.Time `json:"last_used_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
