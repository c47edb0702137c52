package models

import "time"

// Generation lifecycle states.
const (
	GenerationPending    = "pending"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
	GenerationCancelled  = "cancelled"
)

// GenerationRecord archives a generation request once it reaches a terminal state.
type GenerationRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	RequestID     string `gorm:"size:64;uniqueIndex;not null"`
	UserID        string `gorm:"size:64;index;not null"`
	ChannelID     string `gorm:"size:64"`
	MessageID     string `gorm:"size:64"`
	Prompt        string `gorm:"type:text"`
	Resolution    string `gorm:"size:32"`
	Adapters      string `gorm:"type:text"` // comma separated, in request order
	UpscaleFactor int
	Seed          int64
	Status        string `gorm:"size:16;index"`
	Error         string `gorm:"type:text"`
	Artifacts     string `gorm:"type:text"` // newline separated URLs
	Workflow      string `gorm:"type:longtext"`
	CreatedAt     time.Time
	FinishedAt    time.Time
}
