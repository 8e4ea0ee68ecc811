package models

import "time"

// CallbackLog keeps every inbound provider notification verbatim, parsed or not.
type CallbackLog struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Provider          string    `gorm:"size:50;not null;index" json:"provider"`
	ProviderRequestID string    `gorm:"size:255;index" json:"provider_request_id"`
	Outcome           string    `gorm:"size:30;not null;index" json:"outcome"` // applied, already_finalized, unknown, invalid, deferred, forbidden, unauthorized
	IP                string    `gorm:"size:45" json:"ip"`
	Payload           string    `gorm:"type:text" json:"payload"`
	Error             string    `gorm:"size:512" json:"error"`
	CreatedAt         time.Time `json:"created_at"`
}

func (CallbackLog) TableName() string {
	return "callback_logs"
}
