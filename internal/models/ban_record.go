package models

import "time"

// BanRecord marks a user as banned from requesting images.
// A user has at most one; it is created on ban and deleted on unban.
type BanRecord struct {
	ID       uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID   string    `gorm:"size:64;uniqueIndex;not null" json:"user_id"`
	Reason   string    `gorm:"type:text" json:"reason"`
	BannedAt time.Time `gorm:"index" json:"banned_at"`
}

// WarningRecord is one warning-tier violation. Records are only inserted,
// or cleared in bulk for a user.
type WarningRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID     string    `gorm:"size:64;index;not null" json:"user_id"`
	Prompt     string    `gorm:"type:text" json:"prompt"`
	BannedWord string    `gorm:"size:255" json:"banned_word"`
	WarnedAt   time.Time `json:"warned_at"`
}

// BannedWord is a word added at runtime on top of the configured list.
type BannedWord struct {
	Word      string `gorm:"primaryKey;size:255"`
	CreatedAt time.Time
}

// ModerationCounter guards warning escalation with a compare-and-set on WarningCount.
type ModerationCounter struct {
	UserID       string `gorm:"primaryKey;size:64"`
	WarningCount int    `gorm:"not null;default:0"`
	Version      int64  `gorm:"not null;default:0"`
	UpdatedAt    time.Time
}
