package model

import "time"

// Usage outcomes recorded per call attributable to a key.
const (
	OutcomeAdmitted      = "admitted"
	OutcomeRejected      = "rejected"
	OutcomeUpstreamError = "upstream-error"
)

// UsageLog is an append-only audit record of one call attributable to a key.
type UsageLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	KeyID      string    `gorm:"type:varchar(64);index;not null" json:"key_id"`
	Endpoint   string    `gorm:"type:varchar(255);not null" json:"endpoint"`
	TokensUsed int64     `gorm:"default:0;not null" json:"tokens_used"`
	Outcome    string    `gorm:"type:varchar(50);not null" json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`
}
